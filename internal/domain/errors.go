package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = errors.New("domain: not found")
	ErrConflict     = errors.New("domain: conflict")
	ErrUnauthorized = errors.New("domain: unauthorized")
	ErrForbidden    = errors.New("domain: forbidden")

	// ErrUnavailable marks a transient infrastructure failure that survived
	// bounded retries. The request itself was fine; callers may retry later.
	ErrUnavailable = errors.New("domain: unavailable")
)
