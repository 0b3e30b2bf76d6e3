package cfapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for matching with errors.Is. The concrete error values
// returned by the client carry status codes and provider messages.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
	ErrNetwork     = errors.New("network failure")
)

// APIError is a well-formed error response from the Cloudflare API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("cloudflare %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("cloudflare %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// NetworkError wraps a transport-level failure after retries are exhausted.
// Context cancellation is never wrapped into a NetworkError.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }
