package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by services. Handlers map these to HTTP status codes;
// everything else is wrapped and treated as internal.
var (
	ErrInvalidInput       = errors.New("invalid_input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidTransition  = errors.New("invalid_transition")
	ErrQueueFull          = errors.New("queue_full")
	ErrStorageUnavailable = errors.New("storage_unavailable")
	ErrBackendRateLimited = errors.New("backend_rate_limited")
	ErrBackendBadResponse = errors.New("backend_bad_response")
	ErrTimeout            = errors.New("timeout")
	ErrCancelled          = errors.New("cancelled")
)

// Errorf wraps a kind with a formatted message so callers can still match
// with errors.Is.
func Errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
