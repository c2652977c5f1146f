package errors

import "errors"

// Session / roster
var (
	ErrSessionNotFound     = errors.New("table session not found")
	ErrSessionClosed       = errors.New("table session closed")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotAParticipant     = errors.New("not a participant of this table session")
)

// Split store
var (
	ErrSplitNotFound  = errors.New("split not found")
	ErrValidation     = errors.New("split validation failed")
	ErrForbidden      = errors.New("forbidden")
	ErrSplitLocked    = errors.New("split is locked")
	ErrConflict       = errors.New("concurrent split-type change conflict")
	ErrRateLimited    = errors.New("too many split mutations")
	ErrNotLockHolder  = errors.New("not the lock holder")
	ErrPaymentBlocked = errors.New("computed share is not payable")
)

// Auth
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
)
