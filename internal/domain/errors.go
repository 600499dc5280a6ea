package domain

import "errors"

// Settlement error taxonomy. Operations wrap these with context; callers test
// with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrNotOwner               = errors.New("not owner")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrLimitExceeded          = errors.New("limit exceeded")
	ErrIdentityNotVerified    = errors.New("identity not verified")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrAlreadyResolved        = errors.New("already resolved")
	ErrPaused                 = errors.New("paused")
	ErrInvalidArgument        = errors.New("invalid argument")

	// Infrastructure errors.
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrBadSignature  = errors.New("bad signature")
)
