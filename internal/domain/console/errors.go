package console

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrReauthRequired signals the stored refresh token was rejected and the
	// tenant must run the authorization flow again.
	ErrReauthRequired = errors.New("console: reauthorization required")
	// ErrCorruptCredential indicates stored token ciphertext could not be opened.
	ErrCorruptCredential = errors.New("console: corrupt credential")
	// ErrConnectionNotFound signals the tenant has no provider connection.
	ErrConnectionNotFound = errors.New("console: connection not found")
	// ErrInvalidState indicates an unknown or mismatched CSRF state token.
	ErrInvalidState = errors.New("console: invalid state")
	// ErrExpiredState indicates the CSRF state token is past its TTL.
	ErrExpiredState = errors.New("console: expired state")
	// ErrQuotaExceeded signals the daily submission budget is spent. It is
	// non-fatal; submissions hitting it are queued, not failed.
	ErrQuotaExceeded = errors.New("console: daily quota exceeded")
	// ErrSiteNotFound signals an unknown or foreign site id.
	ErrSiteNotFound = errors.New("console: site not found")
)

// ProviderError wraps a failed call to the external search-console API.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("console: provider %s failed: status=%d %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("console: provider %s failed: %s", e.Op, e.Message)
}

// NewProviderError classifies an HTTP status into a retryable or terminal
// provider failure. 429 and the 5xx gateway statuses are retryable.
func NewProviderError(op string, statusCode int, message string) *ProviderError {
	retryable := false
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		retryable = true
	}
	return &ProviderError{Op: op, StatusCode: statusCode, Message: message, Retryable: retryable}
}

// NewTransportError marks transport-level failures (timeouts, connection
// resets) as retryable provider errors.
func NewTransportError(op string, err error) *ProviderError {
	return &ProviderError{Op: op, Message: err.Error(), Retryable: true}
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
