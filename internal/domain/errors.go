package domain

import "errors"

// Sentinel errors used throughout the application.
// The HTTP layer translates these to status codes via a single mapError function.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidKind       = errors.New("invalid kind: must be notify-admin, notify-user, status-change, or generic-job")
	ErrInvalidPriority   = errors.New("invalid priority: must be critical or normal")
	ErrInvalidTarget     = errors.New("target must not be empty")
	ErrInvalidMaxRetries = errors.New("max_retries must not be negative")
	ErrPayloadTooLarge   = errors.New("payload exceeds the configured size ceiling")
	ErrAlreadySent       = errors.New("already sent, cannot cancel")
	ErrNotCancellable    = errors.New("item cannot be cancelled in its current status")
	ErrRateLimited       = errors.New("send rate limit reached")
)
