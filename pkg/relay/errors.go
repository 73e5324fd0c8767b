package relay

import "errors"

// Sentinel errors, grounded in the teacher's orchestrator/errors.go pattern
// of a flat set of package-level errors.Is-comparable values.
var (
	ErrSessionNotFound   = errors.New("relay: session not found")
	ErrNoListeners       = errors.New("relay: session has no listeners")
	ErrCapacityExceeded  = errors.New("relay: capacity exceeded")
	ErrListenerGone      = errors.New("relay: listener connection is gone")
	ErrInvalidLanguage   = errors.New("relay: invalid language code")
	ErrSessionExpired    = errors.New("relay: session expired")
	ErrPipelineCancelled = errors.New("relay: pipeline cancelled")
)
