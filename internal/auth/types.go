package auth

// OperatorClaims is the custom part of an operator JWT
type OperatorClaims struct {
	Subject string `json:"sub_name"`
	IsAdmin bool   `json:"is_admin"`
}

// Authorizer decides whether a bearer token is privileged. A token the
// authorizer does not recognise returns ErrInvalidToken.
type Authorizer interface {
	Authorize(token string) (privileged bool, err error)
}

// AuthError represents an authentication error
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common auth errors
var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
)
