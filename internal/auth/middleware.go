package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAuthenticated is set when a bearer token was accepted
	ContextKeyAuthenticated = "auth_authenticated"
	// ContextKeyPrivileged is set to the authorizer's decision
	ContextKeyPrivileged = "auth_privileged"
)

// bearerToken extracts the token from an Authorization header
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Middleware decides "privileged" for every request. Requests without a
// usable token pass through unprivileged.
func Middleware(a Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok || a == nil {
			c.Next()
			return
		}
		privileged, err := a.Authorize(token)
		if err == nil {
			c.Set(ContextKeyAuthenticated, true)
			c.Set(ContextKeyPrivileged, privileged)
		}
		c.Next()
	}
}

// RequirePrivileged aborts with 401 for anonymous callers and 403 for
// authenticated callers without privilege
func RequirePrivileged() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ContextKeyAuthenticated) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "authentication required",
			})
			return
		}
		if !IsPrivileged(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "operator access required",
			})
			return
		}
		c.Next()
	}
}

// IsPrivileged reports the decision stored by Middleware
func IsPrivileged(c *gin.Context) bool {
	return c.GetBool(ContextKeyPrivileged)
}
