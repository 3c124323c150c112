package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/devenv/pkg/envspec"
)

// ActionKind is the closed set of steps a plan can contain.
type ActionKind string

const (
	ActionBuildImage      ActionKind = "build_image"
	ActionCreateContainer ActionKind = "create_container"
	ActionStartContainer  ActionKind = "start_container"
	ActionStopContainer   ActionKind = "stop_container"
	ActionRemoveContainer ActionKind = "remove_container"
	ActionNoOp            ActionKind = "noop"
)

// Validate checks if the action kind is valid.
func (k ActionKind) Validate() error {
	switch k {
	case ActionBuildImage, ActionCreateContainer, ActionStartContainer,
		ActionStopContainer, ActionRemoveContainer, ActionNoOp:
		return nil
	default:
		return fmt.Errorf("invalid action kind: %s", k)
	}
}

// FailureKind returns the error kind reported when the action fails.
func (k ActionKind) FailureKind() ErrorKind {
	switch k {
	case ActionBuildImage:
		return KindBuildFailed
	case ActionCreateContainer:
		return KindCreateFailed
	case ActionStartContainer:
		return KindStartFailed
	case ActionStopContainer:
		return KindStopFailed
	case ActionRemoveContainer:
		return KindRemoveFailed
	default:
		return KindInternal
	}
}

// rank orders actions by dependency: a plan's actions must be non-decreasing in rank.
func (k ActionKind) rank() int {
	switch k {
	case ActionStopContainer:
		return 1
	case ActionRemoveContainer:
		return 2
	case ActionBuildImage:
		return 3
	case ActionCreateContainer:
		return 4
	case ActionStartContainer:
		return 5
	default:
		return 0
	}
}

// Action is one step of a plan.
type Action struct {
	// Kind selects the runtime operation.
	Kind ActionKind `json:"kind"`

	// Reason explains why the planner emitted this action.
	Reason string `json:"reason,omitempty"`
}

// PlanReason summarises why a plan has the shape it has.
type PlanReason string

const (
	ReasonNew              PlanReason = "new"
	ReasonOrphan           PlanReason = "orphan_container"
	ReasonSpecChanged      PlanReason = "spec_changed"
	ReasonForced           PlanReason = "rebuild"
	ReasonContainerMissing PlanReason = "container_missing"
	ReasonImageMissing     PlanReason = "image_missing"
	ReasonContainerStopped PlanReason = "container_stopped"
	ReasonContainerStalled PlanReason = "container_stalled"
	ReasonContainerDead    PlanReason = "container_dead"
	ReasonInSync           PlanReason = "in_sync"
	ReasonTeardown         PlanReason = "teardown"
)

// Plan is the ordered list of actions that converges an environment.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Environment is the environment this plan applies to.
	Environment string `json:"environment"`

	// Operation is the orchestrator operation that produced the plan.
	Operation Operation `json:"operation"`

	// Fingerprint is the desired spec fingerprint.
	Fingerprint string `json:"fingerprint,omitempty"`

	// PreviousFingerprint is the fingerprint recorded before the plan.
	PreviousFingerprint string `json:"previous_fingerprint,omitempty"`

	// Reason summarises why the plan was produced.
	Reason PlanReason `json:"reason"`

	// Actions are executed strictly in order.
	Actions []Action `json:"actions"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// Kinds returns the action kinds in order.
func (p *Plan) Kinds() []ActionKind {
	kinds := make([]ActionKind, 0, len(p.Actions))
	for _, a := range p.Actions {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

// IsNoOp returns true if executing the plan changes nothing.
func (p *Plan) IsNoOp() bool {
	for _, a := range p.Actions {
		if a.Kind != ActionNoOp {
			return false
		}
	}
	return true
}

// Has returns true if the plan contains an action of the given kind.
func (p *Plan) Has(kind ActionKind) bool {
	for _, a := range p.Actions {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// Validate checks action kinds and dependency ordering.
func (p *Plan) Validate() error {
	if len(p.Actions) == 0 {
		return fmt.Errorf("plan %s has no actions", p.ID)
	}

	last := 0
	for i, a := range p.Actions {
		if err := a.Kind.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		if a.Kind == ActionNoOp {
			if len(p.Actions) != 1 {
				return fmt.Errorf("action %d: noop must be the only action", i)
			}
			continue
		}
		r := a.Kind.rank()
		if r <= last {
			return fmt.Errorf("action %d: %s out of order", i, a.Kind)
		}
		last = r
	}
	return nil
}

// String renders the plan as "a -> b -> c".
func (p *Plan) String() string {
	parts := make([]string, 0, len(p.Actions))
	for _, k := range p.Kinds() {
		parts = append(parts, string(k))
	}
	return strings.Join(parts, " -> ")
}

// StateRecord is the persisted knowledge about one environment.
type StateRecord struct {
	// Name is the environment name and the record key.
	Name string `json:"name"`

	// SpecFingerprint is the fingerprint of the last successfully built spec.
	SpecFingerprint string `json:"spec_fingerprint"`

	// ImageRef is the image the container runs (or will run).
	ImageRef string `json:"image_ref,omitempty"`

	// ContainerRef is the runtime container ID. Empty when absent.
	ContainerRef string `json:"container_ref,omitempty"`

	// ContainerStatus is the status as of the last committed action.
	ContainerStatus ContainerStatus `json:"container_status"`

	// Spec is the last applied spec.
	Spec *envspec.EnvironmentSpec `json:"spec,omitempty"`

	// CreatedAt is when the record was first written.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`

	// Version increments on every write.
	Version int64 `json:"version"`
}

// Clone returns a copy of the record. The spec is shared since specs are immutable.
func (r *StateRecord) Clone() *StateRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// LockInfo describes the holder of an environment lock.
type LockInfo struct {
	Environment string    `json:"environment"`
	Owner       string    `json:"owner"`
	Operation   Operation `json:"operation"`
	Hostname    string    `json:"hostname"`
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// JournalEntry records the outcome of one operation or action.
type JournalEntry struct {
	ID          int64         `json:"id"`
	Environment string        `json:"environment"`
	Operation   Operation     `json:"operation"`
	PlanID      string        `json:"plan_id,omitempty"`
	Action      ActionKind    `json:"action,omitempty"`
	Status      RunStatus     `json:"status"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// DownOptions controls teardown.
type DownOptions struct {
	// Purge removes the container and deletes the state record.
	Purge bool

	// RemoveImage also deletes the environment's image. Requires Purge.
	RemoveImage bool
}

// StatusReport is the outcome of an orchestrator operation.
type StatusReport struct {
	Name            string          `json:"name"`
	ContainerStatus ContainerStatus `json:"container_status"`
	ImageRef        string          `json:"image_ref,omitempty"`
	ContainerRef    string          `json:"container_ref,omitempty"`
	Fingerprint     string          `json:"fingerprint,omitempty"`

	// Managed is false when no state record exists.
	Managed bool `json:"managed"`

	// RecordedStatus is the status held by the state record, which may lag
	// the live status when the container was changed outside this tool.
	RecordedStatus ContainerStatus `json:"recorded_status,omitempty"`

	// SpecChanged is true when the current spec differs from the applied one.
	SpecChanged bool `json:"spec_changed,omitempty"`

	// Plan is the plan executed by the operation, if any.
	Plan *Plan `json:"plan,omitempty"`
}
