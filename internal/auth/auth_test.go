package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func newTestManager(now time.Time) *JWTManager {
	m := NewJWTManager("test-secret", time.Hour)
	m.now = func() time.Time { return now }
	return m
}

func TestJWTAuthorizer(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(now)
	a := NewJWTAuthorizer(m)

	admin, _ := m.GenerateToken(OperatorClaims{Subject: "ops", IsAdmin: true})
	reader, _ := m.GenerateToken(OperatorClaims{Subject: "dashboard"})

	if ok, err := a.Authorize(admin); err != nil || !ok {
		t.Errorf("Expected admin token privileged, got %v %v", ok, err)
	}
	if ok, err := a.Authorize(reader); err != nil || ok {
		t.Errorf("Expected reader token valid but unprivileged, got %v %v", ok, err)
	}
	if _, err := a.Authorize("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}

	other := newTestManager(now)
	other.secret = []byte("other-secret")
	forged, _ := other.GenerateToken(OperatorClaims{IsAdmin: true})
	if _, err := a.Authorize(forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected forged token rejected, got %v", err)
	}

	m.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := a.Authorize(admin); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenAuthorizer(t *testing.T) {
	hash, err := HashToken("operator-token-0123", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	a, err := NewTokenAuthorizer(hash)
	if err != nil {
		t.Fatalf("NewTokenAuthorizer failed: %v", err)
	}
	if ok, err := a.Authorize("operator-token-0123"); err != nil || !ok {
		t.Errorf("Expected operator token privileged, got %v %v", ok, err)
	}
	if _, err := a.Authorize("operator-token-9999"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected wrong token rejected, got %v", err)
	}

	if _, err := HashToken("short", bcrypt.MinCost); err == nil {
		t.Error("Expected short token refused")
	}
	if _, err := NewTokenAuthorizer("not-a-hash"); err == nil {
		t.Error("Expected invalid hash refused")
	}
}

func TestChain(t *testing.T) {
	m := newTestManager(time.Now())
	hash, _ := HashToken("operator-token-0123", bcrypt.MinCost)
	tok, _ := NewTokenAuthorizer(hash)
	chain := Chain{NewJWTAuthorizer(m), tok}

	if ok, err := chain.Authorize("operator-token-0123"); err != nil || !ok {
		t.Errorf("Expected static token accepted through the chain, got %v %v", ok, err)
	}
	jwtToken, _ := m.GenerateToken(OperatorClaims{IsAdmin: true})
	if ok, err := chain.Authorize(jwtToken); err != nil || !ok {
		t.Errorf("Expected admin JWT accepted through the chain, got %v %v", ok, err)
	}
	if _, err := chain.Authorize("nobody"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected unknown token rejected, got %v", err)
	}
}

func TestRequirePrivileged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestManager(time.Now())
	admin, _ := m.GenerateToken(OperatorClaims{IsAdmin: true})
	reader, _ := m.GenerateToken(OperatorClaims{})

	r := gin.New()
	r.Use(Middleware(NewJWTAuthorizer(m)))
	r.GET("/private", RequirePrivileged(), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"malformed header", "Token abc", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"reader", "Bearer " + reader, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}
