package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/devenv/pkg/envspec"
	"github.com/openfroyo/devenv/pkg/runtime"
	"github.com/openfroyo/devenv/pkg/telemetry"
)

const (
	// DefaultLockTTL is the lease length of an environment lock. A running
	// operation renews it; a crashed one blocks the environment for at most
	// this long.
	DefaultLockTTL = 2 * time.Minute

	// MinLockTTL is the shortest lease accepted from configuration.
	MinLockTTL = 3 * time.Second
)

// Config wires an Orchestrator to its collaborators.
type Config struct {
	// Runtime is the container engine. Required.
	Runtime runtime.Client

	// Store persists records, locks and the journal. Required.
	Store StateStore

	// Specs resolves environment names. Required.
	Specs SpecSource

	// Checker applies policies to specs. Optional.
	Checker SpecChecker

	// Telemetry defaults to telemetry.Nop().
	Telemetry *telemetry.Telemetry

	// Timeouts bound each runtime call. Zero fields use DefaultTimeouts.
	Timeouts Timeouts

	// LockTTL defaults to DefaultLockTTL.
	LockTTL time.Duration

	// Fingerprint controls build context hashing.
	Fingerprint FingerprintOptions

	// Stat checks host paths before apply. Defaults to os.Stat.
	Stat func(string) (os.FileInfo, error)
}

// Orchestrator exposes the lifecycle operations. It is safe for concurrent
// use; operations on the same environment are serialised by the store lock,
// including across processes.
type Orchestrator struct {
	runtime  runtime.Client
	store    StateStore
	specs    SpecSource
	checker  SpecChecker
	tel      *telemetry.Telemetry
	planner  *Planner
	executor *Executor
	timeouts Timeouts
	lockTTL  time.Duration
	fpOpts   FingerprintOptions
	stat     func(string) (os.FileInfo, error)
	hostname string
	pid      int
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator from cfg.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.Specs == nil {
		return nil, fmt.Errorf("spec source is required")
	}

	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	stat := cfg.Stat
	if stat == nil {
		stat = os.Stat
	}
	hostname, _ := os.Hostname()

	timeouts := cfg.Timeouts.withDefaults()
	return &Orchestrator{
		runtime:  cfg.Runtime,
		store:    cfg.Store,
		specs:    cfg.Specs,
		checker:  cfg.Checker,
		tel:      tel,
		planner:  NewPlanner(),
		executor: NewExecutor(cfg.Runtime, cfg.Store, timeouts),
		timeouts: timeouts,
		lockTTL:  ttl,
		fpOpts:   cfg.Fingerprint,
		stat:     stat,
		hostname: hostname,
		pid:      os.Getpid(),
		now:      time.Now,
	}, nil
}

// Up converges the environment to its spec. On failure the returned report,
// when non-nil, reflects the last committed state.
func (o *Orchestrator) Up(ctx context.Context, name string) (*StatusReport, error) {
	return o.apply(ctx, name, OperationUp, false)
}

// Rebuild tears the environment down and builds it from scratch even when
// the spec is unchanged.
func (o *Orchestrator) Rebuild(ctx context.Context, name string) (*StatusReport, error) {
	return o.apply(ctx, name, OperationRebuild, true)
}

func (o *Orchestrator) apply(ctx context.Context, name string, op Operation, force bool) (report *StatusReport, err error) {
	ctx, done := o.begin(ctx, name, op)
	var plan *Plan
	defer func() { done(plan, err) }()

	spec, fp, err := o.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := o.ping(ctx, name); err != nil {
		return nil, err
	}

	ctx, release, err := o.lock(ctx, name, op)
	if err != nil {
		return nil, err
	}
	defer release()

	record, err := o.getRecord(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := o.checkPortConflicts(ctx, spec); err != nil {
		return nil, err
	}

	live, err := o.inspect(ctx, name, record)
	if err != nil {
		return nil, err
	}
	current := reconcile(record, live)

	imageMissing := false
	if current != nil && !force && (live == nil || unstartable(live)) && current.SpecFingerprint == fp && current.ImageRef != "" {
		if imageMissing, err = o.imageMissing(ctx, name, current.ImageRef); err != nil {
			return nil, err
		}
	}

	plan = o.planner.Plan(PlanInput{
		Operation:    op,
		Spec:         spec,
		Fingerprint:  fp,
		Record:       current,
		Container:    live,
		ImageMissing: imageMissing,
		Force:        force,
	})
	o.announce(ctx, plan)

	if plan.IsNoOp() {
		if err := o.persistDrift(ctx, record, current); err != nil {
			return nil, err
		}
		return o.report(name, current, current, live, plan), nil
	}

	target := Target{Spec: spec, Record: current}
	if live != nil {
		target.ContainerRef = live.ID
	}
	final, err := o.executor.Execute(ctx, plan, target)
	return o.report(name, final, final, nil, plan), err
}

// Down stops the environment. With Purge the container is removed and the
// state record deleted; with RemoveImage the built image goes too.
// Tearing down an unknown environment succeeds with nothing to do.
func (o *Orchestrator) Down(ctx context.Context, name string, opts DownOptions) (report *StatusReport, err error) {
	op := OperationDown
	if opts.Purge {
		op = OperationPurge
	}
	ctx, done := o.begin(ctx, name, op)
	var plan *Plan
	defer func() { done(plan, err) }()

	if opts.RemoveImage && !opts.Purge {
		return nil, NewError(KindInvalidSpec, "removing the image requires purge", nil).WithEnvironment(name)
	}
	if err := o.ping(ctx, name); err != nil {
		return nil, err
	}

	ctx, release, err := o.lock(ctx, name, op)
	if err != nil {
		return nil, err
	}
	defer release()

	record, err := o.getRecord(ctx, name)
	if err != nil {
		return nil, err
	}
	live, err := o.inspect(ctx, name, record)
	if err != nil {
		return nil, err
	}
	current := reconcile(record, live)

	plan = o.planner.TeardownPlan(name, live, opts)
	o.announce(ctx, plan)

	final := current
	if plan.IsNoOp() {
		if err := o.persistDrift(ctx, record, current); err != nil {
			return nil, err
		}
	} else {
		target := Target{Record: current}
		if live != nil {
			target.ContainerRef = live.ID
		}
		final, err = o.executor.Execute(ctx, plan, target)
		if err != nil {
			return o.report(name, final, final, nil, plan), err
		}
	}

	if !opts.Purge {
		return o.report(name, final, final, nil, plan), nil
	}
	if ctx.Err() != nil {
		return o.report(name, final, final, nil, plan), NewError(KindCancelled, "cancelled before purge", context.Cause(ctx)).WithEnvironment(name)
	}

	if opts.RemoveImage {
		if err := o.removeImage(ctx, name, final); err != nil {
			return o.report(name, final, final, nil, plan), err
		}
	}
	if record != nil {
		if err := o.store.DeleteRecord(context.WithoutCancel(ctx), name); err != nil {
			return o.report(name, final, final, nil, plan), NewError(KindStateStore, "failed to delete state record", err).WithEnvironment(name)
		}
	}
	return &StatusReport{Name: name, ContainerStatus: ContainerAbsent, Plan: plan}, nil
}

// Status reports the environment's live state next to its recorded state.
// It takes no lock and never writes.
func (o *Orchestrator) Status(ctx context.Context, name string) (*StatusReport, error) {
	ctx = o.withTelemetry(ctx)

	record, err := o.getRecord(ctx, name)
	if err != nil {
		return nil, err
	}
	live, err := o.inspect(ctx, name, record)
	if err != nil {
		return nil, err
	}

	report := o.report(name, reconcile(record, live), record, live, nil)
	if record == nil {
		return report, nil
	}

	// A missing or broken spec file must not hide the environment's state.
	spec, err := o.specs.Lookup(ctx, name)
	if err != nil {
		telemetry.FromContext(ctx).WithEnvironment(name).WithError(err).Debug("spec unavailable for status")
		return report, nil
	}
	if fp, err := FingerprintWithOptions(spec, o.fpOpts); err == nil {
		report.SpecChanged = fp != record.SpecFingerprint
	}
	return report, nil
}

// Plan computes the plan Up (or Rebuild, with force) would execute without
// taking the lock or changing anything.
func (o *Orchestrator) Plan(ctx context.Context, name string, force bool) (*Plan, error) {
	ctx = o.withTelemetry(ctx)

	spec, fp, err := o.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	record, err := o.getRecord(ctx, name)
	if err != nil {
		return nil, err
	}
	live, err := o.inspect(ctx, name, record)
	if err != nil {
		return nil, err
	}
	current := reconcile(record, live)

	imageMissing := false
	if current != nil && !force && (live == nil || unstartable(live)) && current.SpecFingerprint == fp && current.ImageRef != "" {
		if imageMissing, err = o.imageMissing(ctx, name, current.ImageRef); err != nil {
			return nil, err
		}
	}

	op := OperationUp
	if force {
		op = OperationRebuild
	}
	return o.planner.Plan(PlanInput{
		Operation:    op,
		Spec:         spec,
		Fingerprint:  fp,
		Record:       current,
		Container:    live,
		ImageMissing: imageMissing,
		Force:        force,
	}), nil
}

// List reports every recorded environment, ordered by name.
func (o *Orchestrator) List(ctx context.Context) ([]*StatusReport, error) {
	ctx = o.withTelemetry(ctx)

	records, err := o.store.ListRecords(ctx)
	if err != nil {
		return nil, NewError(KindStateStore, "failed to list state records", err)
	}

	counts := map[ContainerStatus]float64{}
	reports := make([]*StatusReport, 0, len(records))
	for _, record := range records {
		live, err := o.inspect(ctx, record.Name, record)
		if err != nil {
			return nil, err
		}
		r := o.report(record.Name, reconcile(record, live), record, live, nil)
		counts[r.ContainerStatus]++
		reports = append(reports, r)
	}

	for _, s := range []ContainerStatus{ContainerAbsent, ContainerCreated, ContainerRunning, ContainerStopped} {
		o.tel.Metrics.SetEnvironmentCount(string(s), counts[s])
	}
	return reports, nil
}

// Unlock force-releases the environment lock and returns the holder it
// displaced, or nil when the environment was not locked.
func (o *Orchestrator) Unlock(ctx context.Context, name string) (*LockInfo, error) {
	holder, err := o.store.GetLock(ctx, name)
	if err != nil {
		return nil, NewError(KindStateStore, "failed to read environment lock", err).WithEnvironment(name)
	}
	if holder == nil {
		return nil, nil
	}
	if err := o.store.ForceReleaseLock(ctx, name); err != nil {
		return nil, NewError(KindStateStore, "failed to release environment lock", err).WithEnvironment(name)
	}
	o.tel.Logger.WithEnvironment(name).Warnf("released lock held by %s (pid %d on %s)", holder.Operation, holder.PID, holder.Hostname)
	return holder, nil
}

// History returns the newest journal entries for the environment.
func (o *Orchestrator) History(ctx context.Context, name string, limit int) ([]*JournalEntry, error) {
	entries, err := o.store.ListJournal(ctx, name, limit)
	if err != nil {
		return nil, NewError(KindStateStore, "failed to read journal", err).WithEnvironment(name)
	}
	return entries, nil
}

// withTelemetry attaches the orchestrator's telemetry unless the caller
// already provided one.
func (o *Orchestrator) withTelemetry(ctx context.Context) context.Context {
	if telemetry.FromTelemetryContext(ctx) != nil {
		return ctx
	}
	return o.tel.WithContext(ctx)
}

// begin opens the operation scope. The returned func closes it and journals
// the outcome.
func (o *Orchestrator) begin(ctx context.Context, name string, op Operation) (context.Context, func(*Plan, error)) {
	ctx = telemetry.WithOperationContext(o.withTelemetry(ctx), name, string(op))
	timer := telemetry.NewTimer()

	return ctx, func(plan *Plan, err error) {
		status := runStatusFor(err)
		kind, class := "", ""
		if err != nil {
			k := KindOf(err)
			kind, class = string(k), string(k.Class())
		}
		telemetry.EndOperationContext(ctx, name, string(op), string(status), err, kind, class)

		logger := telemetry.FromContext(ctx)
		if err != nil {
			logger.WithError(err).Error(string(op) + " failed")
		} else {
			logger.Info(string(op) + " finished")
		}

		entry := &JournalEntry{
			Environment: name,
			Operation:   op,
			Status:      status,
			Duration:    timer.Duration(),
			Timestamp:   o.now(),
		}
		if plan != nil {
			entry.PlanID = plan.ID
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if jerr := o.store.AppendJournal(context.WithoutCancel(ctx), entry); jerr != nil {
			logger.WithError(jerr).Warn("failed to append journal entry")
		}
	}
}

// resolve loads, checks and fingerprints the spec. Every failure is InvalidSpec.
func (o *Orchestrator) resolve(ctx context.Context, name string) (*envspec.EnvironmentSpec, string, error) {
	spec, err := o.specs.Lookup(ctx, name)
	if err != nil {
		return nil, "", NewInvalidSpecError(name, err)
	}
	if o.checker != nil {
		if err := o.checker.CheckSpec(ctx, spec); err != nil {
			return nil, "", NewInvalidSpecError(name, err)
		}
	}
	if err := spec.CheckHostPaths(o.stat); err != nil {
		return nil, "", NewInvalidSpecError(name, err)
	}
	fp, err := FingerprintWithOptions(spec, o.fpOpts)
	if err != nil {
		return nil, "", NewInvalidSpecError(name, err)
	}
	return spec, fp, nil
}

func (o *Orchestrator) ping(ctx context.Context, name string) error {
	err := runWithDeadline(ctx, o.timeouts.Inspect, o.runtime.Ping)
	if err != nil {
		return NewError(KindRuntimeUnavailable, "container runtime is not reachable", err).WithEnvironment(name)
	}
	return nil
}

// lock takes the environment lock and keeps its lease alive until the
// returned release func runs. The returned context is cancelled with
// ErrLockLost if the lease is lost, so no further action starts.
func (o *Orchestrator) lock(ctx context.Context, name string, op Operation) (context.Context, func(), error) {
	now := o.now()
	info := &LockInfo{
		Environment: name,
		Owner:       uuid.New().String(),
		Operation:   op,
		Hostname:    o.hostname,
		PID:         o.pid,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(o.lockTTL),
	}

	if err := o.store.AcquireLock(ctx, info); err != nil {
		if IsLockContention(err) {
			o.tel.Metrics.RecordLockContention(name)
			_ = o.tel.Events.PublishLockContended(name, err.Error())
			return ctx, nil, err
		}
		return ctx, nil, NewError(KindStateStore, "failed to acquire environment lock", err).WithEnvironment(name)
	}

	lctx, lost := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.heartbeat(lctx, info, stop, lost)
	}()

	return lctx, func() {
		close(stop)
		wg.Wait()
		lost(nil)
		if err := o.store.ReleaseLock(context.WithoutCancel(ctx), name, info.Owner); err != nil {
			telemetry.FromContext(ctx).WithError(err).Warn("failed to release environment lock")
		}
	}, nil
}

// heartbeat renews the lease every third of the TTL until stop is closed.
func (o *Orchestrator) heartbeat(ctx context.Context, info *LockInfo, stop <-chan struct{}, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(max(o.lockTTL/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := o.store.RenewLock(context.WithoutCancel(ctx), info.Environment, info.Owner, o.now().Add(o.lockTTL))
			if err == nil {
				continue
			}
			logger := telemetry.FromContext(ctx).WithError(err)
			if errors.Is(err, ErrLockLost) {
				logger.Error("environment lock lost, stopping after the current action")
				lost(err)
				return
			}
			logger.Warn("failed to renew environment lock")
		}
	}
}

func (o *Orchestrator) getRecord(ctx context.Context, name string) (*StateRecord, error) {
	record, err := o.store.GetRecord(ctx, name)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, NewError(KindStateStore, "failed to read state record", err).WithEnvironment(name)
	}
	return record, nil
}

// inspect finds the live container by recorded reference, then by name.
func (o *Orchestrator) inspect(ctx context.Context, name string, record *StateRecord) (*runtime.ContainerInfo, error) {
	refs := make([]string, 0, 2)
	if record != nil && record.ContainerRef != "" {
		refs = append(refs, record.ContainerRef)
	}
	refs = append(refs, envspec.ContainerNamePrefix+name)

	for _, ref := range refs {
		var info *runtime.ContainerInfo
		err := runWithDeadline(ctx, o.timeouts.Inspect, func(ctx context.Context) error {
			var err error
			info, err = o.runtime.InspectContainer(ctx, ref)
			return err
		})
		switch {
		case err == nil:
			return info, nil
		case runtime.IsNotFound(err):
			continue
		default:
			return nil, inspectError(name, "failed to inspect container", err)
		}
	}
	return nil, nil
}

func (o *Orchestrator) imageMissing(ctx context.Context, name, ref string) (bool, error) {
	err := runWithDeadline(ctx, o.timeouts.Inspect, func(ctx context.Context) error {
		_, err := o.runtime.InspectImage(ctx, ref)
		return err
	})
	switch {
	case err == nil:
		return false, nil
	case runtime.IsNotFound(err):
		return true, nil
	default:
		return false, inspectError(name, "failed to inspect image", err)
	}
}

func inspectError(name, msg string, err error) error {
	var dl *deadlineError
	switch {
	case errors.As(err, &dl):
		return NewError(KindTimeoutExceeded, msg, err).WithEnvironment(name).WithDetail("timeout", dl.timeout.String())
	case runtime.IsUnavailable(err):
		return NewError(KindRuntimeUnavailable, msg, err).WithEnvironment(name)
	default:
		return NewError(KindInternal, msg, err).WithEnvironment(name)
	}
}

// checkPortConflicts rejects host ports already published by another
// environment whose container exists.
func (o *Orchestrator) checkPortConflicts(ctx context.Context, spec *envspec.EnvironmentSpec) error {
	if len(spec.Ports) == 0 {
		return nil
	}
	records, err := o.store.ListRecords(ctx)
	if err != nil {
		return NewError(KindStateStore, "failed to list state records", err).WithEnvironment(spec.Name)
	}

	type key struct {
		port  int
		proto envspec.Protocol
	}
	wanted := make(map[key]bool, len(spec.Ports))
	for _, p := range spec.Ports {
		wanted[key{p.HostPort, p.Protocol}] = true
	}

	var conflicts []string
	for _, r := range records {
		if r.Name == spec.Name || r.Spec == nil || !r.ContainerStatus.IsPresent() {
			continue
		}
		for _, p := range r.Spec.Ports {
			if wanted[key{p.HostPort, p.Protocol}] {
				conflicts = append(conflicts, fmt.Sprintf("host port %d/%s is published by environment %s", p.HostPort, p.Protocol, r.Name))
			}
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	sort.Strings(conflicts)
	return NewInvalidSpecError(spec.Name, errors.New(strings.Join(conflicts, "; ")))
}

// persistDrift saves a record whose status or container reference was
// corrected by inspection. The fingerprint is never touched.
func (o *Orchestrator) persistDrift(ctx context.Context, stored, current *StateRecord) error {
	if stored == nil || current == nil {
		return nil
	}
	if stored.ContainerStatus == current.ContainerStatus && stored.ContainerRef == current.ContainerRef {
		return nil
	}
	current.UpdatedAt = o.now()
	if err := o.store.PutRecord(context.WithoutCancel(ctx), current); err != nil {
		return NewError(KindStateStore, "failed to commit state record", err).WithEnvironment(current.Name)
	}
	telemetry.FromContext(ctx).Infof("recorded status corrected from %s to %s", stored.ContainerStatus, current.ContainerStatus)
	return nil
}

func (o *Orchestrator) removeImage(ctx context.Context, name string, record *StateRecord) error {
	// Only images this tool built carry the environment tag. An environment
	// without a build context runs the shared base image, which stays.
	if record == nil || record.Spec == nil || record.Spec.Build == nil || record.SpecFingerprint == "" {
		return nil
	}
	tag := ImageTag(name, record.SpecFingerprint)
	err := runWithDeadline(ctx, o.timeouts.Remove, func(ctx context.Context) error {
		return o.runtime.RemoveImage(ctx, tag)
	})
	if err == nil || runtime.IsNotFound(err) {
		return nil
	}
	var dl *deadlineError
	if errors.As(err, &dl) {
		return NewError(KindTimeoutExceeded, "remove image timed out", err).WithEnvironment(name)
	}
	return NewError(KindRemoveFailed, "failed to remove image "+tag, err).WithEnvironment(name)
}

func (o *Orchestrator) announce(ctx context.Context, plan *Plan) {
	o.tel.Metrics.RecordPlan(string(plan.Operation), string(plan.Reason))
	kinds := make([]string, 0, len(plan.Actions))
	for _, k := range plan.Kinds() {
		kinds = append(kinds, string(k))
	}
	_ = o.tel.Events.PublishPlanComputed(plan.Environment, plan.ID, string(plan.Reason), kinds)
	telemetry.FromContext(ctx).WithPlanID(plan.ID).Infof("plan (%s): %s", plan.Reason, plan)
}

// reconcile overlays the live container onto the record.
func reconcile(record *StateRecord, live *runtime.ContainerInfo) *StateRecord {
	if record == nil {
		return nil
	}
	r := record.Clone()
	r.ContainerStatus = StatusOf(live)
	r.ContainerRef = ""
	if live != nil {
		r.ContainerRef = live.ID
	}
	return r
}

// report builds a status report from the effective record and the stored
// one. Without a record the live container, if any, is reported unmanaged.
func (o *Orchestrator) report(name string, current, stored *StateRecord, live *runtime.ContainerInfo, plan *Plan) *StatusReport {
	if current == nil {
		r := &StatusReport{Name: name, ContainerStatus: StatusOf(live), Plan: plan}
		if live != nil {
			r.ContainerRef = live.ID
		}
		return r
	}
	r := &StatusReport{
		Name:            name,
		ContainerStatus: current.ContainerStatus,
		ImageRef:        current.ImageRef,
		ContainerRef:    current.ContainerRef,
		Fingerprint:     current.SpecFingerprint,
		Managed:         true,
		Plan:            plan,
	}
	if stored != nil {
		r.RecordedStatus = stored.ContainerStatus
	}
	return r
}
