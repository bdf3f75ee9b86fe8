package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MinTokenLength is the minimum operator token length
	MinTokenLength = 16

	// MaxTokenLength caps what bcrypt will hash
	MaxTokenLength = 72
)

// HashToken hashes an operator token for the auth.operator_token_hash option
func HashToken(token string, cost int) (string, error) {
	if len(token) < MinTokenLength {
		return "", fmt.Errorf("token must be at least %d characters", MinTokenLength)
	}
	if len(token) > MaxTokenLength {
		return "", fmt.Errorf("token must be at most %d characters", MaxTokenLength)
	}
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(bytes), nil
}

// TokenAuthorizer grants privilege to the one static operator token whose
// bcrypt hash is configured
type TokenAuthorizer struct {
	hash []byte
}

// NewTokenAuthorizer validates hash and wraps it
func NewTokenAuthorizer(hash string) (*TokenAuthorizer, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid operator token hash: %w", err)
	}
	return &TokenAuthorizer{hash: []byte(hash)}, nil
}

// Authorize implements Authorizer
func (a *TokenAuthorizer) Authorize(token string) (bool, error) {
	if len(token) > MaxTokenLength {
		return false, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return false, ErrInvalidToken
	}
	return true, nil
}

// Chain tries each authorizer in order; the first that recognises the token decides
type Chain []Authorizer

// Authorize implements Authorizer
func (c Chain) Authorize(token string) (bool, error) {
	for _, a := range c {
		if a == nil {
			continue
		}
		privileged, err := a.Authorize(token)
		if err == nil {
			return privileged, nil
		}
		if errors.Is(err, ErrTokenExpired) {
			return false, err
		}
	}
	return false, ErrInvalidToken
}
