package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/devenv/pkg/envspec"
	"github.com/openfroyo/devenv/pkg/runtime"
	"github.com/openfroyo/devenv/pkg/telemetry"
)

// Timeouts bounds each runtime call.
type Timeouts struct {
	Build   time.Duration `yaml:"build"`
	Create  time.Duration `yaml:"create"`
	Start   time.Duration `yaml:"start"`
	Stop    time.Duration `yaml:"stop"`
	Remove  time.Duration `yaml:"remove"`
	Inspect time.Duration `yaml:"inspect"`

	// StopGrace is passed to the runtime as the time between SIGTERM and SIGKILL.
	StopGrace time.Duration `yaml:"stop_grace"`
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Build:     30 * time.Minute,
		Create:    2 * time.Minute,
		Start:     2 * time.Minute,
		Stop:      2 * time.Minute,
		Remove:    2 * time.Minute,
		Inspect:   30 * time.Second,
		StopGrace: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.Build, d.Build)
	fill(&t.Create, d.Create)
	fill(&t.Start, d.Start)
	fill(&t.Stop, d.Stop)
	fill(&t.Remove, d.Remove)
	fill(&t.Inspect, d.Inspect)
	fill(&t.StopGrace, d.StopGrace)
	return t
}

func (t Timeouts) forAction(kind ActionKind) time.Duration {
	switch kind {
	case ActionBuildImage:
		return t.Build
	case ActionCreateContainer:
		return t.Create
	case ActionStartContainer:
		return t.Start
	case ActionStopContainer:
		// The runtime waits up to StopGrace before killing.
		return t.Stop + t.StopGrace
	case ActionRemoveContainer:
		return t.Remove
	default:
		return t.Inspect
	}
}

// Target is what an executor applies a plan to. Record may be nil for an
// environment without state; ContainerRef then names the live container to
// tear down, if any.
type Target struct {
	Spec         *envspec.EnvironmentSpec
	Record       *StateRecord
	ContainerRef string
}

// Executor runs plan actions against the runtime and commits the state
// record after each successful action.
type Executor struct {
	runtime  runtime.Client
	store    StateStore
	timeouts Timeouts
	now      func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(rt runtime.Client, store StateStore, timeouts Timeouts) *Executor {
	return &Executor{
		runtime:  rt,
		store:    store,
		timeouts: timeouts.withDefaults(),
		now:      time.Now,
	}
}

// Execute runs the plan's actions strictly in order. It stops at the first
// failure; every action that completed before it stays committed. The
// returned record reflects the last commit and is nil when no record exists.
func (e *Executor) Execute(ctx context.Context, plan *Plan, target Target) (*StateRecord, error) {
	logger := telemetry.FromContext(ctx).WithPlanID(plan.ID)
	record := target.Record.Clone()
	containerRef := target.ContainerRef
	if record != nil && record.ContainerRef != "" {
		containerRef = record.ContainerRef
	}

	for i, action := range plan.Actions {
		if action.Kind == ActionNoOp {
			continue
		}
		if ctx.Err() != nil {
			return record, NewError(KindCancelled, fmt.Sprintf("cancelled before action %d of %d", i+1, len(plan.Actions)), context.Cause(ctx)).
				WithEnvironment(plan.Environment).
				WithAction(action.Kind)
		}

		logger.Info(fmt.Sprintf("%s: %s", action.Kind, action.Reason))

		actx := telemetry.WithActionContext(ctx, plan.Environment, plan.ID, string(action.Kind))
		timer := telemetry.NewTimer()
		next, err := e.apply(actx, plan, action, target.Spec, record, containerRef)
		status := runStatusFor(err)
		telemetry.EndActionContext(actx, plan.Environment, plan.ID, string(action.Kind), string(status), err)

		e.journal(ctx, plan, action.Kind, status, err, timer.Duration())

		if err != nil {
			return record, err
		}

		if next != nil {
			if err := e.commit(ctx, record, next); err != nil {
				return record, err
			}
			record = next
			containerRef = record.ContainerRef
		} else if action.Kind == ActionRemoveContainer {
			containerRef = ""
		}
	}

	return record, nil
}

// apply runs one action and returns the record to commit, or nil when the
// action has no record to update.
func (e *Executor) apply(ctx context.Context, plan *Plan, action Action, spec *envspec.EnvironmentSpec, record *StateRecord, containerRef string) (*StateRecord, error) {
	fail := func(err error) error {
		return e.actionError(plan.Environment, action.Kind, err)
	}

	switch action.Kind {
	case ActionBuildImage:
		if spec == nil {
			return nil, fail(errors.New("build requires a spec"))
		}
		var ref string
		err := e.call(ctx, action.Kind, func(ctx context.Context) error {
			var err error
			ref, err = e.runtime.BuildImage(ctx, BuildRequestFor(spec, plan.Fingerprint))
			return err
		})
		if err != nil {
			return nil, fail(err)
		}
		next := e.nextRecord(plan.Environment, record)
		next.ImageRef = ref
		next.SpecFingerprint = plan.Fingerprint
		next.Spec = spec
		return next, nil

	case ActionCreateContainer:
		if spec == nil {
			return nil, fail(errors.New("create requires a spec"))
		}
		if record == nil || record.ImageRef == "" {
			return nil, fail(errors.New("no image recorded for environment"))
		}
		var ref string
		err := e.call(ctx, action.Kind, func(ctx context.Context) error {
			var err error
			ref, err = e.runtime.CreateContainer(ctx, CreateRequestFor(spec, record.ImageRef, plan.Fingerprint))
			return err
		})
		if err != nil {
			return nil, fail(err)
		}
		next := e.nextRecord(plan.Environment, record)
		next.ContainerRef = ref
		next.ContainerStatus = ContainerCreated
		return next, nil

	case ActionStartContainer:
		if containerRef == "" {
			return nil, fail(errors.New("no container to start"))
		}
		if err := e.call(ctx, action.Kind, func(ctx context.Context) error {
			return e.runtime.StartContainer(ctx, containerRef)
		}); err != nil {
			return nil, fail(err)
		}
		next := e.nextRecord(plan.Environment, record)
		next.ContainerStatus = ContainerRunning
		return next, nil

	case ActionStopContainer:
		if containerRef != "" {
			err := e.call(ctx, action.Kind, func(ctx context.Context) error {
				return e.runtime.StopContainer(ctx, containerRef, e.timeouts.StopGrace)
			})
			if err != nil && !runtime.IsNotFound(err) {
				return nil, fail(err)
			}
		}
		if record == nil {
			return nil, nil
		}
		next := e.nextRecord(plan.Environment, record)
		next.ContainerStatus = ContainerStopped
		return next, nil

	case ActionRemoveContainer:
		if containerRef != "" {
			err := e.call(ctx, action.Kind, func(ctx context.Context) error {
				return e.runtime.RemoveContainer(ctx, containerRef, true)
			})
			if err != nil && !runtime.IsNotFound(err) {
				return nil, fail(err)
			}
		}
		if record == nil {
			return nil, nil
		}
		next := e.nextRecord(plan.Environment, record)
		next.ContainerRef = ""
		next.ContainerStatus = ContainerAbsent
		return next, nil

	default:
		return nil, NewError(KindInternal, "unknown action kind", fmt.Errorf("%q", action.Kind)).
			WithEnvironment(plan.Environment)
	}
}

// call runs fn with a deadline detached from the caller's cancellation, so
// an interrupted invocation never abandons a runtime call half way. fn runs
// in its own goroutine: a client that ignores its context still yields
// TimeoutExceeded once the deadline passes.
func (e *Executor) call(ctx context.Context, kind ActionKind, fn func(ctx context.Context) error) error {
	return runWithDeadline(ctx, e.timeouts.forAction(kind), fn)
}

func runWithDeadline(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return &deadlineError{timeout: timeout, err: err}
		}
		return err
	case <-cctx.Done():
		return &deadlineError{timeout: timeout, err: cctx.Err()}
	}
}

type deadlineError struct {
	timeout time.Duration
	err     error
}

func (e *deadlineError) Error() string {
	return fmt.Sprintf("no response within %s: %v", e.timeout, e.err)
}

func (e *deadlineError) Unwrap() error {
	return e.err
}

func (e *Executor) actionError(env string, kind ActionKind, err error) error {
	var dl *deadlineError
	if errors.As(err, &dl) {
		return NewError(KindTimeoutExceeded, fmt.Sprintf("%s timed out", kind), err).
			WithEnvironment(env).
			WithAction(kind).
			WithDetail("timeout", dl.timeout.String())
	}
	if runtime.IsUnavailable(err) {
		return NewError(KindRuntimeUnavailable, fmt.Sprintf("%s failed", kind), err).
			WithEnvironment(env).
			WithAction(kind)
	}
	return NewError(kind.FailureKind(), fmt.Sprintf("%s failed", kind), err).
		WithEnvironment(env).
		WithAction(kind)
}

func (e *Executor) nextRecord(name string, record *StateRecord) *StateRecord {
	if record == nil {
		return &StateRecord{
			Name:            name,
			ContainerStatus: ContainerAbsent,
			CreatedAt:       e.now(),
		}
	}
	return record.Clone()
}

func (e *Executor) commit(ctx context.Context, prev, next *StateRecord) error {
	next.UpdatedAt = e.now()
	// The runtime change already happened; persist it even if the caller
	// has gone away.
	if err := e.store.PutRecord(context.WithoutCancel(ctx), next); err != nil {
		return NewError(KindStateStore, "failed to commit state record", err).WithEnvironment(next.Name)
	}

	old := ContainerAbsent
	if prev != nil {
		old = prev.ContainerStatus
	}
	if old != next.ContainerStatus {
		if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
			_ = tel.Events.PublishStateChanged(next.Name, string(old), string(next.ContainerStatus))
		}
	}
	return nil
}

func (e *Executor) journal(ctx context.Context, plan *Plan, kind ActionKind, status RunStatus, err error, d time.Duration) {
	entry := &JournalEntry{
		Environment: plan.Environment,
		Operation:   plan.Operation,
		PlanID:      plan.ID,
		Action:      kind,
		Status:      status,
		Duration:    d,
		Timestamp:   e.now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if jerr := e.store.AppendJournal(context.WithoutCancel(ctx), entry); jerr != nil {
		telemetry.FromContext(ctx).WithError(jerr).Warn("failed to append journal entry")
	}
}

// ImageTag is the tag applied to an environment's built image.
func ImageTag(name, fingerprint string) string {
	return "devenv/" + strings.ToLower(name) + ":" + ShortFingerprint(fingerprint)
}

// Labels returns the labels attached to an environment's image and container.
func Labels(name, fingerprint string) map[string]string {
	return map[string]string{
		runtime.LabelManagedBy:   runtime.ManagedByValue,
		runtime.LabelEnvironment: name,
		runtime.LabelFingerprint: fingerprint,
	}
}

// BuildRequestFor translates a spec into a runtime build request.
func BuildRequestFor(spec *envspec.EnvironmentSpec, fingerprint string) runtime.BuildRequest {
	req := runtime.BuildRequest{
		Environment: spec.Name,
		BaseImage:   spec.BaseImage,
		Tag:         ImageTag(spec.Name, fingerprint),
		Labels:      Labels(spec.Name, fingerprint),
	}
	if b := spec.Build; b != nil {
		req.ContextPath = b.Path
		req.Dockerfile = b.Dockerfile
		req.Instructions = append([]string(nil), b.Instructions...)
		if len(b.Args) > 0 {
			req.Args = make(map[string]string, len(b.Args))
			for k, v := range b.Args {
				req.Args[k] = v
			}
		}
	}
	return req
}

// CreateRequestFor translates a spec into a runtime create request.
func CreateRequestFor(spec *envspec.EnvironmentSpec, image, fingerprint string) runtime.CreateRequest {
	req := runtime.CreateRequest{
		Name:     spec.ContainerName(),
		Image:    image,
		Hostname: spec.Hostname,
		WorkDir:  spec.WorkDir,
		Command:  append([]string(nil), spec.Command...),
		Env:      spec.EnvList(),
		Labels:   Labels(spec.Name, fingerprint),
	}
	for _, m := range spec.Mounts {
		req.Mounts = append(req.Mounts, runtime.Mount{
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}
	for _, p := range spec.Ports {
		req.Ports = append(req.Ports, runtime.PortBinding{
			HostPort:      p.HostPort,
			ContainerPort: p.ContainerPort,
			Protocol:      string(p.Protocol),
		})
	}
	return req
}
