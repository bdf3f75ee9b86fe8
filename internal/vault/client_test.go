package vault

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"binance-signal-engine/config"
)

func newVaultServer(t *testing.T, path, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var reads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/"+path {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		reads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &reads
}

func TestCredentialsKV2(t *testing.T) {
	srv, reads := newVaultServer(t, "secret/data/signal-engine/binance",
		`{"data":{"data":{"api_key":"key-1","secret_key":"secret-1"},"metadata":{"version":3}}}`)

	c, err := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, Token: "root", Path: "/secret/data/signal-engine/binance"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ex := config.ExchangeConfig{APIKey: "from-env"}
	if err := c.ApplyTo(context.Background(), &ex); err != nil {
		t.Fatalf("ApplyTo failed: %v", err)
	}
	if ex.APIKey != "key-1" || ex.SecretKey != "secret-1" {
		t.Errorf("Expected vault credentials applied, got %+v", ex)
	}

	if _, err := c.Credentials(context.Background()); err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if reads.Load() != 1 {
		t.Errorf("Expected one vault read with caching, got %d", reads.Load())
	}
	c.ClearCache()
	c.Credentials(context.Background())
	if reads.Load() != 2 {
		t.Errorf("Expected re-read after ClearCache, got %d", reads.Load())
	}
}

func TestCredentialsKV1(t *testing.T) {
	srv, _ := newVaultServer(t, "kv/binance", `{"data":{"api_key":"key-2","secret_key":"secret-2"}}`)
	c, _ := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, Token: "root", Path: "kv/binance"})

	creds, err := c.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if creds.APIKey != "key-2" || creds.SecretKey != "secret-2" {
		t.Errorf("Unexpected credentials %+v", creds)
	}
}

func TestCredentialsErrors(t *testing.T) {
	srv, _ := newVaultServer(t, "kv/binance", `{"data":{"api_key":"only-key"}}`)

	c, _ := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, Token: "root", Path: "kv/binance"})
	if _, err := c.Credentials(context.Background()); err == nil {
		t.Error("Expected error for incomplete secret")
	}

	missing, _ := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, Token: "root", Path: "kv/other"})
	if _, err := missing.Credentials(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDisabledLeavesConfigAlone(t *testing.T) {
	c, err := NewClient(config.VaultConfig{})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ex := config.ExchangeConfig{APIKey: "from-env", SecretKey: "s"}
	if err := c.ApplyTo(context.Background(), &ex); err != nil || ex.APIKey != "from-env" {
		t.Errorf("Expected config untouched, got %+v err=%v", ex, err)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Expected nil health for disabled vault, got %v", err)
	}
}
