package domain

import "errors"

var (
	// ErrBrakeActive means the user's emergency brake is on. Expected, not a bug.
	ErrBrakeActive = errors.New("emergency brake is active")
	// ErrTierViolation means the action exceeds the user's autonomy tier.
	ErrTierViolation = errors.New("requires a higher autonomy level")

	ErrNotFound          = errors.New("not found")
	ErrNotPending        = errors.New("approval is not pending")
	ErrInvalidTransition = errors.New("invalid brake state transition")
	ErrUnknownTaskKind   = errors.New("unknown task kind")
)
