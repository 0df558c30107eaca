package contract

import "errors"

// Failure taxonomy. Every error that crosses a component boundary wraps one
// of these sentinels so callers can branch with errors.Is and never have to
// parse provider or database message text.
var (
	// ErrResolutionNotFound means no candidate view exists for a category in
	// this deployment. A valid terminal outcome, not a fault.
	ErrResolutionNotFound = errors.New("no view resolved for category")

	// ErrSchemaMismatch means a requested filter or order column is absent
	// from the resolved view.
	ErrSchemaMismatch = errors.New("column not present in view")

	// ErrQueryConnection is a database connection failure that survived the
	// executor's single retry.
	ErrQueryConnection = errors.New("database connection failed")

	ErrToolNotFound = errors.New("tool is not registered")
	ErrToolTimeout  = errors.New("tool call timed out")

	ErrModelUnavailable = errors.New("model unavailable")
	ErrAuthFailure      = errors.New("provider credentials rejected")
	ErrRateLimited      = errors.New("provider rate limited")
	ErrTransient        = errors.New("transient provider error")

	// ErrExhausted means every model candidate was tried and failed.
	ErrExhausted = errors.New("all model candidates exhausted")
)
