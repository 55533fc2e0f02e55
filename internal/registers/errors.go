package registers

import "fmt"

// ValidationError reports malformed input rejected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UnknownUnitError reports a unit id that was not configured at startup.
type UnknownUnitError struct {
	Unit int
}

func (e *UnknownUnitError) Error() string {
	return fmt.Sprintf("unknown unit %d", e.Unit)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CheckIndex validates a signal index.
func CheckIndex(index int) error {
	if index < 0 || index >= SignalCount {
		return invalid("index", "signal index %d out of range 0..%d", index, SignalCount-1)
	}
	return nil
}
