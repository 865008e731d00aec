package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tool failures for the execution engine's retry
// policy.
type ErrorKind string

const (
	// KindBadInput is a recoverable caller mistake: unknown table, SQL
	// syntax error, malformed arguments. Re-proposing with corrected
	// input can succeed.
	KindBadInput ErrorKind = "bad-input"

	// KindTypeMismatch is the recoverable cast failure (e.g. a datetime
	// column that must be cast to STRING before serialization). The
	// message carries a repair hint for the planner.
	KindTypeMismatch ErrorKind = "type-mismatch"

	// KindUnavailable means the data system stayed unreachable after
	// bounded retries. Fatal for the turn.
	KindUnavailable ErrorKind = "unavailable"

	// KindTooLarge means the result exceeds hard limits. Fatal.
	KindTooLarge ErrorKind = "too-large"
)

// ToolError is a typed tool failure. Recoverable errors are fed back
// into planning as observations; fatal errors abort the turn.
type ToolError struct {
	Kind    ErrorKind
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error (%s): %s", e.Kind, e.Message)
}

// Recoverable reports whether re-proposing with corrected arguments can
// succeed.
func (e *ToolError) Recoverable() bool {
	return e.Kind == KindBadInput || e.Kind == KindTypeMismatch
}

// AsToolError unwraps err into a *ToolError, or wraps it as fatal when
// it is some other failure.
func AsToolError(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Kind: KindUnavailable, Message: err.Error()}
}

// Registry errors.
var (
	ErrToolNotFound    = errors.New("tool not found")
	ErrToolNameEmpty   = errors.New("tool name cannot be empty")
	ErrToolExecuteNil  = errors.New("tool execute function cannot be nil")
	ErrToolRegistered  = errors.New("tool already registered")
	ErrMissingRequired = errors.New("missing required argument")
	ErrInvalidArgType  = errors.New("invalid argument type")
)
