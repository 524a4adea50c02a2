package paralyze

import "errors"

var (
	// Store errors.
	ErrNoStore          = errors.New("paralyze: no store configured")
	ErrStoreClosed      = errors.New("paralyze: store closed")
	ErrStoreUnavailable = errors.New("paralyze: store unavailable")
	ErrMigrationFailed  = errors.New("paralyze: migration failed")

	// Not found errors.
	ErrLeaseNotFound = errors.New("paralyze: lease not found")
	ErrTaskNotFound  = errors.New("paralyze: task not found")

	// Conflict errors.
	ErrTaskAlreadyExists = errors.New("paralyze: task already exists")

	// ErrVersionConflict reports that a compare-and-swap lost a race: the
	// row's version no longer matched the expected one. Store backends
	// return it; the claim engine converts it into another selection
	// attempt and never lets it escape to callers.
	ErrVersionConflict = errors.New("paralyze: version conflict")

	// Ownership errors.
	ErrAlreadyHeld         = errors.New("paralyze: lease already held")
	ErrLeaseLost           = errors.New("paralyze: lease lost")
	ErrClaimLost           = errors.New("paralyze: claim lost")
	ErrNoWorkAvailable     = errors.New("paralyze: no work available")
	ErrMaxAttemptsExceeded = errors.New("paralyze: max attempts exceeded")
)

// IsLost reports whether err means ownership was invalidated concurrently.
// Callers must treat a lost lease or claim as a cancellation signal and
// stop all side effects guarded by the corresponding fence token.
func IsLost(err error) bool {
	return errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrClaimLost)
}

// IsRetryable reports whether err is a recoverable contention or
// availability outcome that callers should back off and retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAlreadyHeld) ||
		errors.Is(err, ErrNoWorkAvailable) ||
		errors.Is(err, ErrStoreUnavailable)
}
