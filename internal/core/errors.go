package core

import "errors"

// Error taxonomy shared by the store, the coordinator and the gateway.
// Match with errors.Is.
var (
	// ErrNetwork is retryable: the remote could not be reached or failed transiently.
	ErrNetwork = errors.New("network error")
	// ErrValidation means the remote rejected the payload; surfaced as CONFLICT.
	ErrValidation = errors.New("validation error")
	// ErrStaleWrite is a local optimistic-concurrency violation.
	ErrStaleWrite = errors.New("stale write")
	// ErrInvalidImage rejects ingestion input before any network call.
	ErrInvalidImage = errors.New("invalid image")
	// ErrAuth halts all sync until re-authentication.
	ErrAuth = errors.New("authentication required")

	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid sync state transition")
	ErrDeleteNotAcknowledged = errors.New("hard delete before remote acknowledgment")
	ErrGuestMode             = errors.New("sync disabled in guest mode")
)

// IsRetryable reports whether a sync failure should leave the record FAILED
// rather than CONFLICT.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation)
}
