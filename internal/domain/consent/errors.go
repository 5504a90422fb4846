package consent

import (
	"errors"
)

var (
	ErrInvalidScope           = errors.New("invalid scope")
	ErrInvalidRequester       = errors.New("invalid requester")
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidArgument        = errors.New("invalid argument")

	// ErrVersionConflict is returned by repositories when a conditional
	// write lost against another writer. Services retry on it and surface
	// ErrConcurrentModification once retries are exhausted.
	ErrVersionConflict = errors.New("version conflict")
)

// ReasonCode maps an error to the structured code returned to API callers.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrInvalidRequester):
		return "invalid_requester"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrVersionConflict):
		return "concurrent_modification"
	default:
		return "internal"
	}
}
