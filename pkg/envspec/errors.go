package envspec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSpec is matched by every validation failure returned from this package.
var ErrInvalidSpec = errors.New("invalid environment spec")

// ValidationError lists every problem found while validating a spec.
type ValidationError struct {
	// Name is the environment name, if one was given.
	Name string `json:"name,omitempty"`

	// Problems are human-readable descriptions, one per violated rule.
	Problems []string `json:"problems"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	prefix := ErrInvalidSpec.Error()
	if e.Name != "" {
		prefix = fmt.Sprintf("%s %q", prefix, e.Name)
	}
	return fmt.Sprintf("%s: %s", prefix, strings.Join(e.Problems, "; "))
}

// Unwrap makes errors.Is(err, ErrInvalidSpec) hold.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidSpec
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
