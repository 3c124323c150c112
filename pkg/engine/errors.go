package engine

import (
	"errors"
	"fmt"

	"github.com/openfroyo/devenv/pkg/envspec"
)

// ErrorClass represents the classification of an error for recovery decisions.
// The orchestrator itself never retries; the class tells the caller whether a
// later invocation can be expected to succeed.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on a later run.
	// Examples: timeouts, an unreachable runtime daemon.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates another invocation holds the environment.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates the input or the runtime rejected the request.
	// Examples: invalid spec, failed build, port already allocated.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind identifies which step of the lifecycle failed.
type ErrorKind string

const (
	KindInvalidSpec        ErrorKind = "InvalidSpec"
	KindBuildFailed        ErrorKind = "BuildFailed"
	KindCreateFailed       ErrorKind = "CreateFailed"
	KindStartFailed        ErrorKind = "StartFailed"
	KindStopFailed         ErrorKind = "StopFailed"
	KindRemoveFailed       ErrorKind = "RemoveFailed"
	KindTimeoutExceeded    ErrorKind = "TimeoutExceeded"
	KindLockContention     ErrorKind = "LockContention"
	KindRuntimeUnavailable ErrorKind = "RuntimeUnavailable"
	KindCancelled          ErrorKind = "Cancelled"
	KindStateStore         ErrorKind = "StateStore"
	KindInternal           ErrorKind = "Internal"
)

// Class returns the default classification for the kind.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindTimeoutExceeded, KindRuntimeUnavailable, KindCancelled, KindStateStore:
		return ErrorClassTransient
	case KindLockContention:
		return ErrorClassConflict
	default:
		return ErrorClassPermanent
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidSpec        = &EngineError{Kind: KindInvalidSpec}
	ErrBuildFailed        = &EngineError{Kind: KindBuildFailed}
	ErrCreateFailed       = &EngineError{Kind: KindCreateFailed}
	ErrStartFailed        = &EngineError{Kind: KindStartFailed}
	ErrStopFailed         = &EngineError{Kind: KindStopFailed}
	ErrRemoveFailed       = &EngineError{Kind: KindRemoveFailed}
	ErrTimeoutExceeded    = &EngineError{Kind: KindTimeoutExceeded}
	ErrLockContention     = &EngineError{Kind: KindLockContention}
	ErrRuntimeUnavailable = &EngineError{Kind: KindRuntimeUnavailable}
	ErrCancelled          = &EngineError{Kind: KindCancelled}

	// ErrRecordNotFound is returned by a StateStore when no record exists.
	ErrRecordNotFound = errors.New("state record not found")

	// ErrLockLost is returned by RenewLock when the caller no longer holds
	// the lock.
	ErrLockLost = errors.New("environment lock lost")
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind identifies the failed lifecycle step.
	Kind ErrorKind `json:"kind"`

	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Environment is the environment the error concerns, if applicable.
	Environment string `json:"environment,omitempty"`

	// Action is the plan action being executed when the error occurred.
	Action ActionKind `json:"action,omitempty"`

	// Err is the underlying error, carrying the runtime's diagnostic text.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	ctx := ""
	switch {
	case e.Environment != "" && e.Action != "":
		ctx = fmt.Sprintf(" (environment=%s, action=%s)", e.Environment, e.Action)
	case e.Environment != "":
		ctx = fmt.Sprintf(" (environment=%s)", e.Environment)
	}
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s%s", e.Kind, e.Message, ctx)
	}
	return fmt.Sprintf("[%s] %s%s: %s", e.Kind, e.Message, ctx, e.Err.Error())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two engine errors
// match when their kinds match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates an error of the given kind, classified by kind.
func NewError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Class:   kind.Class(),
		Message: message,
		Err:     err,
	}
}

// NewInvalidSpecError wraps a spec validation failure.
func NewInvalidSpecError(name string, err error) *EngineError {
	return NewError(KindInvalidSpec, "invalid environment spec", err).WithEnvironment(name)
}

// NewLockContentionError reports that holder already owns the environment lock.
func NewLockContentionError(name string, holder *LockInfo) *EngineError {
	e := NewError(KindLockContention, "environment is locked by another invocation", nil).
		WithEnvironment(name)
	if holder != nil {
		e.WithDetail("owner", holder.Owner).
			WithDetail("operation", string(holder.Operation)).
			WithDetail("hostname", holder.Hostname).
			WithDetail("pid", holder.PID).
			WithDetail("expires_at", holder.ExpiresAt)
		e.Err = fmt.Errorf("held by %s (pid %d on %s) since %s",
			holder.Operation, holder.PID, holder.Hostname, holder.AcquiredAt.Format("15:04:05"))
	}
	return e
}

// WithEnvironment adds environment context to an error.
func (e *EngineError) WithEnvironment(name string) *EngineError {
	e.Environment = name
	return e
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(action ActionKind) *EngineError {
	e.Action = action
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first EngineError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, envspec.ErrInvalidSpec) {
		return KindInvalidSpec
	}
	return KindInternal
}

// IsInvalidSpec returns true if err reports an invalid spec.
func IsInvalidSpec(err error) bool {
	return errors.Is(err, ErrInvalidSpec) || errors.Is(err, envspec.ErrInvalidSpec)
}

// IsLockContention returns true if err reports a held environment lock.
func IsLockContention(err error) bool {
	return errors.Is(err, ErrLockContention)
}

// IsTimeout returns true if a runtime call exceeded its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeoutExceeded)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}
