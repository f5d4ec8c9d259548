package store

import "errors"

var (
	ErrTokenNotFound          = errors.New("token not found")
	ErrInvalidStateTransition = errors.New("invalid token state transition")
	ErrNoTokensAvailable      = errors.New("no tokens available")
	ErrAllocationFailed       = errors.New("token allocation failed")
	ErrScopeRequired          = errors.New("department and division are required")
	ErrServingInProgress      = errors.New("another token is being served in this scope")
	ErrConflict               = errors.New("concurrent update conflict")
	ErrInvalidPriority        = errors.New("invalid priority level")
)
