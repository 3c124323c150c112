package runtime

import "errors"

// ErrUnavailable is returned when the runtime daemon cannot be reached.
var ErrUnavailable = errors.New("container runtime unavailable")

// Error represents a failed runtime operation.
type Error struct {
	// Op is the operation that failed (e.g., "build", "create", "stop").
	Op string

	// Ref is the image or container the operation targeted.
	Ref string

	// Err is the underlying error, carrying the runtime's diagnostic text.
	Err error
}

func (e *Error) Error() string {
	if e.Ref == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Ref + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err indicates an unreachable runtime.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
