package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/devenv/pkg/envspec"
	"github.com/openfroyo/devenv/pkg/runtime"
)

// PlanInput is everything the planner looks at. Container is the result of a
// fresh inspection and always takes precedence over Record.
type PlanInput struct {
	// Operation is recorded on the plan.
	Operation Operation

	// Spec is the desired state.
	Spec *envspec.EnvironmentSpec

	// Fingerprint is the desired fingerprint. Computed from Spec when empty.
	Fingerprint string

	// Record is the stored state, nil when the environment is unknown.
	Record *StateRecord

	// Container is the live container, nil when absent.
	Container *runtime.ContainerInfo

	// ImageMissing reports that Record.ImageRef no longer exists in the runtime.
	ImageMissing bool

	// Force treats the fingerprint as changed.
	Force bool
}

// Planner computes plans. It is pure: it never calls the runtime or the store.
type Planner struct {
	now   func() time.Time
	newID func() string
}

// NewPlanner creates a planner.
func NewPlanner() *Planner {
	return &Planner{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Plan computes the actions that converge the environment to in.Spec.
//
//	record absent                -> [stop?, remove?] build, create, start
//	fingerprint changed or forced -> [stop?, remove?] build, create, start
//	container absent             -> [build if image gone] create, start
//	container dead or removing   -> remove, [build if image gone] create, start
//	container paused/restarting  -> stop, start
//	container created or stopped -> start
//	container running            -> noop
func (p *Planner) Plan(in PlanInput) *Plan {
	fp := in.Fingerprint
	if fp == "" {
		fp = Fingerprint(in.Spec)
	}

	plan := p.newPlan(in.Spec.Name, in.Operation)
	plan.Fingerprint = fp
	if in.Record != nil {
		plan.PreviousFingerprint = in.Record.SpecFingerprint
	}

	live := StatusOf(in.Container)
	switch {
	case in.Record == nil:
		plan.Reason = ReasonNew
		if live.IsPresent() {
			plan.Reason = ReasonOrphan
			plan.Actions = teardown(live, true, "leftover container with the same name")
		}
		plan.Actions = append(plan.Actions, rebuild("no state record")...)

	case in.Force || in.Record.SpecFingerprint != fp:
		plan.Reason = ReasonSpecChanged
		why := "spec fingerprint changed"
		if in.Force {
			plan.Reason = ReasonForced
			why = "rebuild requested"
		}
		plan.Actions = append(teardown(live, true, why), rebuild(why)...)

	case live == ContainerAbsent:
		plan.Reason = ReasonContainerMissing
		if in.ImageMissing {
			plan.Reason = ReasonImageMissing
			plan.Actions = append(plan.Actions, Action{Kind: ActionBuildImage, Reason: "recorded image no longer exists"})
		}
		plan.Actions = append(plan.Actions,
			Action{Kind: ActionCreateContainer, Reason: "container does not exist"},
			Action{Kind: ActionStartContainer, Reason: "container does not exist"},
		)

	case unstartable(in.Container):
		plan.Reason = ReasonContainerDead
		why := "container is " + string(in.Container.State)
		plan.Actions = []Action{{Kind: ActionRemoveContainer, Reason: why}}
		if in.ImageMissing {
			plan.Actions = append(plan.Actions, Action{Kind: ActionBuildImage, Reason: "recorded image no longer exists"})
		}
		plan.Actions = append(plan.Actions,
			Action{Kind: ActionCreateContainer, Reason: why},
			Action{Kind: ActionStartContainer, Reason: why},
		)

	case stalled(in.Container):
		plan.Reason = ReasonContainerStalled
		why := "container is " + string(in.Container.State)
		plan.Actions = []Action{
			{Kind: ActionStopContainer, Reason: why},
			{Kind: ActionStartContainer, Reason: why},
		}

	case live == ContainerCreated || live == ContainerStopped:
		plan.Reason = ReasonContainerStopped
		plan.Actions = []Action{{Kind: ActionStartContainer, Reason: "container is " + string(live)}}

	default:
		plan.Reason = ReasonInSync
		plan.Actions = []Action{{Kind: ActionNoOp, Reason: "container is running the current spec"}}
	}

	return plan
}

// TeardownPlan computes the actions for down. Without purge a running
// container is only stopped; with purge it is also removed.
func (p *Planner) TeardownPlan(name string, container *runtime.ContainerInfo, opts DownOptions) *Plan {
	op := OperationDown
	if opts.Purge {
		op = OperationPurge
	}

	plan := p.newPlan(name, op)
	plan.Reason = ReasonTeardown
	plan.Actions = teardown(StatusOf(container), opts.Purge, string(op)+" requested")
	if len(plan.Actions) == 0 {
		plan.Reason = ReasonInSync
		plan.Actions = []Action{{Kind: ActionNoOp, Reason: "nothing to " + string(op)}}
	}
	return plan
}

func (p *Planner) newPlan(name string, op Operation) *Plan {
	if op == "" {
		op = OperationUp
	}
	return &Plan{
		ID:          p.newID(),
		Environment: name,
		Operation:   op,
		CreatedAt:   p.now(),
	}
}

func teardown(live ContainerStatus, remove bool, why string) []Action {
	var actions []Action
	if live == ContainerRunning {
		actions = append(actions, Action{Kind: ActionStopContainer, Reason: why})
	}
	if remove && live.IsPresent() {
		actions = append(actions, Action{Kind: ActionRemoveContainer, Reason: why})
	}
	return actions
}

func rebuild(why string) []Action {
	return []Action{
		{Kind: ActionBuildImage, Reason: why},
		{Kind: ActionCreateContainer, Reason: why},
		{Kind: ActionStartContainer, Reason: why},
	}
}
