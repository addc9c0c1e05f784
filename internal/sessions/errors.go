package sessions

import "errors"

// Error taxonomy for client-facing operations. Handlers map these to HTTP
// statuses; services wrap them with context via fmt.Errorf("...: %w", err).
var (
	// ErrNotFound covers absent and expired sessions alike.
	ErrNotFound = errors.New("session not found")
	// ErrNotAuthorized is returned when the caller is neither the admin nor
	// acting on their own participant record.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrValidation covers malformed or missing request fields.
	ErrValidation = errors.New("invalid request")
	// ErrConflict is returned when an action is not valid for the session's
	// current status or step.
	ErrConflict = errors.New("action not valid in current state")
	// ErrSessionFull is returned when a join would exceed capacity.
	ErrSessionFull = errors.New("session is full")
	// ErrUnsupportedAction is returned for unknown admin action identifiers.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrCodeExhausted is returned when code generation keeps colliding.
	ErrCodeExhausted = errors.New("could not allocate a unique session code")
)
