package engine

import "errors"

var (
	// ErrClosed is returned by submission APIs once shutdown has begun.
	ErrClosed = errors.New("session is closed")

	// ErrCapabilityInactive is returned when an operation needs a feature
	// the capability negotiation did not activate. The submission is
	// dropped, the session keeps running.
	ErrCapabilityInactive = errors.New("capability not active for this session")

	// ErrNotWired is returned when an operation needs a collaborator that
	// was not configured.
	ErrNotWired = errors.New("no collaborator wired for this operation")
)
