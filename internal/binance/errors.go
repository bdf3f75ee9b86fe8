package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced by the gateway. Match with errors.Is.
var (
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient upstream error")
	ErrNotFound    = errors.New("not found")
	ErrFatal       = errors.New("fatal upstream error")
)

// APIError carries the HTTP status and Binance error code of a failed call
type APIError struct {
	Kind       error
	Endpoint   string
	StatusCode int
	Code       int
	Msg        string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: status %d code %d: %s", e.Kind, e.Endpoint, e.StatusCode, e.Code, e.Msg)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Kind, e.Endpoint, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Endpoint, e.Msg)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// Retryable reports whether the gateway should retry this error
func (e *APIError) Retryable() bool {
	return errors.Is(e.Kind, ErrRateLimited) || errors.Is(e.Kind, ErrTransient)
}

// Binance error codes that drive classification
const (
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
	codeUnknownOrder    = -1016
	codeInvalidSymbol   = -1121
)

type binanceErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classifyResponse turns a non-200 response into an APIError
func classifyResponse(endpoint string, statusCode int, body []byte) *APIError {
	apiErr := &APIError{Endpoint: endpoint, StatusCode: statusCode, Msg: string(body)}

	var parsed binanceErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Code != 0 {
		apiErr.Code = parsed.Code
		apiErr.Msg = parsed.Msg
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot || apiErr.Code == codeTooManyRequests:
		apiErr.Kind = ErrRateLimited
	case statusCode >= 500 || apiErr.Code == codeDisconnected || apiErr.Code == codeUnknownOrder:
		apiErr.Kind = ErrTransient
	case statusCode == http.StatusNotFound || apiErr.Code == codeInvalidSymbol:
		apiErr.Kind = ErrNotFound
	default:
		apiErr.Kind = ErrFatal
	}
	return apiErr
}
