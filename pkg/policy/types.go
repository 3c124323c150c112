package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/devenv/pkg/envspec"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blocks an operation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation.
	SeverityCritical Severity = "critical"
)

// Blocks returns true if violations of this severity reject the spec.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// Policy is a Rego module whose deny set lists violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, or "builtin".
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Field is the spec field at fault, when the policy names one.
	Field string `json:"field,omitempty"`
}

// String renders the violation as "policy: message".
func (v Violation) String() string {
	if v.Field != "" {
		return fmt.Sprintf("%s: %s: %s", v.Policy, v.Field, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// Result is the outcome of evaluating every enabled policy against a spec.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations block the operation.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are reported but do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Environment is the spec under evaluation.
	Environment *envspec.EnvironmentSpec `json:"environment"`

	// Context describes the invocation.
	Context InputContext `json:"context"`
}

// InputContext provides context information for policy evaluation.
type InputContext struct {
	// User is the local user running the tool.
	User string `json:"user,omitempty"`

	// Hostname is the machine the tool runs on.
	Hostname string `json:"hostname,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// ViolationError rejects a spec. It matches envspec.ErrInvalidSpec.
type ViolationError struct {
	Environment string
	Violations  []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("environment %q violates policy: %s", e.Environment, strings.Join(parts, "; "))
}

// Unwrap makes errors.Is(err, envspec.ErrInvalidSpec) hold.
func (e *ViolationError) Unwrap() error {
	return envspec.ErrInvalidSpec
}
