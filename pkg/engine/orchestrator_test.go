package engine

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/devenv/pkg/envspec"
	"github.com/openfroyo/devenv/pkg/runtime"
)

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	if _, err := NewOrchestrator(Config{}); err == nil {
		t.Fatal("Expected error for empty config, got nil")
	}
	if _, err := NewOrchestrator(Config{Runtime: newMockRuntime(), Store: newMemStore()}); err == nil {
		t.Fatal("Expected error for missing spec source, got nil")
	}
}

func TestOrchestrator_UpDevScenario(t *testing.T) {
	spec := devSpec()
	f := newFixture(t, spec)
	ctx := context.Background()

	report, err := f.orch.Up(ctx, "dev")
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	if !kindsEqual(report.Plan.Kinds(), ActionBuildImage, ActionCreateContainer, ActionStartContainer) {
		t.Errorf("Expected build -> create -> start, got %s", report.Plan)
	}
	if report.ContainerStatus != ContainerRunning {
		t.Errorf("Expected running, got %s", report.ContainerStatus)
	}

	record := f.record(t, "dev")
	if record.SpecFingerprint != Fingerprint(spec) {
		t.Errorf("Expected fingerprint %s, got %s", Fingerprint(spec), record.SpecFingerprint)
	}
	if record.ContainerStatus != ContainerRunning {
		t.Errorf("Expected recorded status running, got %s", record.ContainerStatus)
	}
	if record.ContainerRef == "" || record.ImageRef == "" {
		t.Errorf("Expected container and image refs, got %+v", record)
	}

	again, err := f.orch.Up(ctx, "dev")
	if err != nil {
		t.Fatalf("second Up failed: %v", err)
	}
	if !kindsEqual(again.Plan.Kinds(), ActionNoOp) {
		t.Errorf("Expected noop on second up, got %s", again.Plan)
	}
	if n := f.rt.callsOf("build"); n != 1 {
		t.Errorf("Expected 1 build, got %d", n)
	}
	if n := f.rt.callsOf("create"); n != 1 {
		t.Errorf("Expected 1 create, got %d", n)
	}
}

func TestOrchestrator_UpPassesSpecToRuntime(t *testing.T) {
	spec := devSpec()
	spec.Env = map[string]string{"B": "2", "A": "1"}
	spec.Build = &envspec.BuildContext{Instructions: []string{"RUN apt-get update"}}
	f := newFixture(t, spec)

	if _, err := f.orch.Up(context.Background(), "dev"); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	if len(f.rt.builds) != 1 {
		t.Fatalf("Expected 1 build request, got %d", len(f.rt.builds))
	}
	req := f.rt.builds[0]
	if req.BaseImage != "base:1" || len(req.Instructions) != 1 {
		t.Errorf("Unexpected build request: %+v", req)
	}
	if want := ImageTag("dev", Fingerprint(spec)); req.Tag != want {
		t.Errorf("Expected tag %s, got %s", want, req.Tag)
	}
	if req.Labels[runtime.LabelEnvironment] != "dev" {
		t.Errorf("Expected environment label, got %v", req.Labels)
	}

	c, err := f.rt.InspectContainer(context.Background(), "devenv-dev")
	if err != nil {
		t.Fatalf("container not created: %v", err)
	}
	if c.Labels[runtime.LabelManagedBy] != runtime.ManagedByValue {
		t.Errorf("Expected managed-by label, got %v", c.Labels)
	}
}

func TestOrchestrator_DriftPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		drift  func(f *fixture)
		want   []ActionKind
		reason PlanReason
		builds int
	}{
		{
			name:   "stopped externally",
			drift:  func(f *fixture) { f.rt.externalStop("dev") },
			want:   []ActionKind{ActionStartContainer},
			reason: ReasonContainerStopped,
			builds: 1,
		},
		{
			name:   "removed externally",
			drift:  func(f *fixture) { f.rt.externalRemove("dev") },
			want:   []ActionKind{ActionCreateContainer, ActionStartContainer},
			reason: ReasonContainerMissing,
			builds: 1,
		},
		{
			name: "container and image removed externally",
			drift: func(f *fixture) {
				f.rt.externalRemove("dev")
				f.rt.dropImages()
			},
			want:   []ActionKind{ActionBuildImage, ActionCreateContainer, ActionStartContainer},
			reason: ReasonImageMissing,
			builds: 2,
		},
		{
			name:   "container died",
			drift:  func(f *fixture) { f.rt.externalState("dev", runtime.StateDead) },
			want:   []ActionKind{ActionRemoveContainer, ActionCreateContainer, ActionStartContainer},
			reason: ReasonContainerDead,
			builds: 1,
		},
		{
			name: "dead container and image gone",
			drift: func(f *fixture) {
				f.rt.externalState("dev", runtime.StateDead)
				f.rt.dropImages()
			},
			want:   []ActionKind{ActionRemoveContainer, ActionBuildImage, ActionCreateContainer, ActionStartContainer},
			reason: ReasonContainerDead,
			builds: 2,
		},
		{
			name:   "paused externally",
			drift:  func(f *fixture) { f.rt.externalState("dev", runtime.StatePaused) },
			want:   []ActionKind{ActionStopContainer, ActionStartContainer},
			reason: ReasonContainerStalled,
			builds: 1,
		},
		{
			name:   "stuck restarting",
			drift:  func(f *fixture) { f.rt.externalState("dev", runtime.StateRestarting) },
			want:   []ActionKind{ActionStopContainer, ActionStartContainer},
			reason: ReasonContainerStalled,
			builds: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, devSpec())
			ctx := context.Background()

			if _, err := f.orch.Up(ctx, "dev"); err != nil {
				t.Fatalf("Up failed: %v", err)
			}
			tt.drift(f)

			// The record still claims running; fresh inspection must win.
			if got := f.record(t, "dev").ContainerStatus; got != ContainerRunning {
				t.Fatalf("Expected stale record to say running, got %s", got)
			}

			report, err := f.orch.Up(ctx, "dev")
			if err != nil {
				t.Fatalf("Up after drift failed: %v", err)
			}
			if !kindsEqual(report.Plan.Kinds(), tt.want...) {
				t.Errorf("Expected %v, got %s", tt.want, report.Plan)
			}
			if report.Plan.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %s", tt.reason, report.Plan.Reason)
			}
			if n := f.rt.callsOf("build"); n != tt.builds {
				t.Errorf("Expected %d builds, got %d", tt.builds, n)
			}
			if got := f.record(t, "dev").ContainerStatus; got != ContainerRunning {
				t.Errorf("Expected running after repair, got %s", got)
			}
			if live, _ := f.rt.InspectContainer(ctx, report.ContainerRef); live == nil || live.State != runtime.StateRunning {
				t.Errorf("Expected the live container to run, got %+v", live)
			}
		})
	}
}

func TestOrchestrator_RebuildOnSpecChange(t *testing.T) {
	spec := devSpec()
	f := newFixture(t, spec)
	ctx := context.Background()

	if _, err := f.orch.Up(ctx, "dev"); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	oldRef := f.record(t, "dev").ContainerRef

	changed := spec.Clone()
	changed.Env = map[string]string{"DEBUG": "1"}
	f.specs.set(changed)

	report, err := f.orch.Up(ctx, "dev")
	if err != nil {
		t.Fatalf("Up after change failed: %v", err)
	}

	want := []ActionKind{ActionStopContainer, ActionRemoveContainer, ActionBuildImage, ActionCreateContainer, ActionStartContainer}
	if !kindsEqual(report.Plan.Kinds(), want...) {
		t.Errorf("Expected %v, got %s", want, report.Plan)
	}
	if report.Plan.Reason != ReasonSpecChanged {
		t.Errorf("Expected spec_changed, got %s", report.Plan.Reason)
	}

	record := f.record(t, "dev")
	if record.SpecFingerprint != Fingerprint(changed) {
		t.Error("Expected record fingerprint to follow the new spec")
	}
	if record.ContainerRef == oldRef {
		t.Error("Expected a new container")
	}
	if record.Spec == nil || record.Spec.Env["DEBUG"] != "1" {
		t.Error("Expected record to hold the applied spec")
	}
}

func TestOrchestrator_DescriptionChangeIsNoOp(t *testing.T) {
	spec := devSpec()
	f := newFixture(t, spec)
	ctx := context.Background()

	if _, err := f.orch.Up(ctx, "dev"); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	changed := spec.Clone()
	changed.Description = "now with a description"
	f.specs.set(changed)

	report, err := f.orch.Up(ctx, "dev")
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if !report.Plan.IsNoOp() {
		t.Errorf("Expected noop, got %s", report.Plan)
	}
}

func TestOrchestrator_Rebuild(t *testing.T) {
	f := newFixture(t, devSpec())
	ctx := context.Background()

	if _, err := f.orch.Up(ctx, "dev"); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	report, err := f.orch.Rebuild(ctx, "dev")
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if report.Plan.Reason != ReasonForced || report.Plan.Operation != OperationRebuild {
		t.Errorf("Expected forced rebuild plan, got %s/%s", report.Plan.Operation, report.Plan.Reason)
	}
	if n := f.rt.callsOf("build"); n != 2 {
		t.Errorf("Expected 2 builds, got %d", n)
	}
	if report.ContainerStatus != ContainerRunning {
		t.Errorf("Expected running, got %s", report.ContainerStatus)
	}
}

func TestOrchestrator_PartialFailureResumes(t *testing.T) {
	f := newFixture(t, devSpec())
	ctx := context.Background()

	f.rt.setFailure("create", errors.New("Error response from daemon: Conflict"))

	report, err := f.orch.Up(ctx, "dev")
	if err == nil {
		t.Fatal("Expected create failure, got nil")
	}
	if KindOf(err) != KindCreateFailed {
		t.Errorf("Expected CreateFailed, got %s", KindOf(err))
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Action != ActionCreateContainer {
		t.Errorf("Expected failing action create_container, got %v", err)
	}
	if !strings.Contains(err.Error(), "Error response from daemon: Conflict") {
		t.Errorf("Expected runtime diagnostic in error, got %q", err.Error())
	}
	if report == nil || report.ImageRef == "" {
		t.Errorf("Expected report with committed image, got %+v", report)
	}

	// The build stays committed.
	record := f.record(t, "dev")
	if record.ImageRef == "" || record.SpecFingerprint == "" {
		t.Errorf("Expected committed build, got %+v", record)
	}
	if record.ContainerStatus != ContainerAbsent {
		t.Errorf("Expected absent, got %s", record.ContainerStatus)
	}

	status, err := f.orch.Status(ctx, "dev")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.ContainerStatus != ContainerAbsent || status.ImageRef != record.ImageRef {
		t.Errorf("Expected status to show last committed state, got %+v", status)
	}

	f.rt.setFailure("create", nil)
	report, err = f.orch.Up(ctx, "dev")
	if err != nil {
		t.Fatalf("resumed Up failed: %v", err)
	}
	if !kindsEqual(report.Plan.Kinds(), ActionCreateContainer, ActionStartContainer) {
		t.Errorf("Expected resume with create -> start, got %s", report.Plan)
	}
	if n := f.rt.callsOf("build"); n != 1 {
		t.Errorf("Expected build to run once, got %d", n)
	}
}

func TestOrchestrator_StartFailureKeepsCreated(t *testing.T) {
	f := newFixture(t, devSpec())
	ctx := context.Background()

	f.rt.setFailure("start", errors.New("port is already allocated"))

	_, err := f.orch.Up(ctx, "dev")
	if KindOf(err) != KindStartFailed {
		t.Fatalf("Expected StartFailed, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("Expected start failure to be permanent")
	}

	record := f.record(t, "dev")
	if record.ContainerStatus != ContainerCreated || record.ContainerRef == "" {
		t.Errorf("Expected created container committed, got %+v", record)
	}

	f.rt.setFailure("start", nil)
	report, err := f.orch.Up(ctx, "dev")
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if !kindsEqual(report.Plan.Kinds(), ActionStartContainer) {
		t.Errorf("Expected start only, got %s", report.Plan)
	}
}

func TestOrchestrator_Timeout(t *testing.T) {
	f := newFixtureWith(t, Config{Timeouts: Timeouts{Build: 50 * time.Millisecond}}, devSpec())
	ctx := context.Background()

	f.rt.hang["build"] = true

	start := time.Now()
	_, err := f.orch.Up(ctx, "dev")
	if !IsTimeout(err) {
		t.Fatalf("Expected TimeoutExceeded, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("Expected timeout to be transient")
	}
	var ee *EngineError
	if errors.As(err, &ee) && ee.Action != ActionBuildImage {
		t.Errorf("Expected build_image, got %s", ee.Action)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Timeout took too long: %s", elapsed)
	}

	if _, err := f.store.GetRecord(ctx, "dev"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected no record after timed out build, got %v", err)
	}

	held, _ := f.store.GetLock(ctx, "dev")
	if held != nil {
		t.Errorf("Expected lock released after failure, held by %+v", held)
	}
}

func TestOrchestrator_LockContention(t *testing.T) {
	f := newFixture(t, devSpec())
	ctx := context.Background()

	other := &LockInfo{
		Environment: "dev",
		Owner:       "someone-else",
		Operation:   OperationUp,
		Hostname:    "laptop",
		PID:         4242,
		AcquiredAt:  time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := f.store.AcquireLock(ctx, other); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	_, err := f.orch.Up(ctx, "dev")
	if !IsLockContention(err) {
		t.Fatalf("Expected LockContention, got %v", err)
	}
	if f.rt.callsOf("build") != 0 || f.rt.callsOf("inspect") != 0 {
		t.Error("Expected no runtime work under contention")
	}

	held, _ := f.store.GetLock(ctx, "dev")
	if held == nil || held.Owner != "someone-else" {
		t.Error("Expected foreign lock to survive a contended call")
	}

	// Other environments never contend.
	f.specs.set(&envspec.EnvironmentSpec{Name: "other", BaseImage: "base:1", Hostname: "other"})
	if _, err := f.orch.Up(ctx, "other"); err != nil {
		t.Errorf("Expected other environment to proceed, got %v", err)
	}

	prev, err := f.orch.Unlock(ctx, "dev")
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if prev == nil || prev.PID != 4242 {
		t.Errorf("Expected displaced holder, got %+v", prev)
	}
	if _, err := f.orch.Up(ctx, "dev"); err != nil {
		t.Errorf("Expected Up to proceed after unlock, got %v", err)
	}
}

func TestOrchestrator_ConcurrentUpContends(t *testing.T) {
	f := newFixture(t, devSpec())
	ctx := context.Background()

	building := make(chan struct{})
	gate := make(chan struct{})
	f.rt.onBuild = func() {
		close(building)
		<-gate
	}

	first := make(chan error, 1)
	go func() {
		_, err := f.orch.Up(ctx, "dev")
		first <- err
	}()

	<-building
	_, err := f.orch.Up(ctx, "dev")
	if !IsLockContention(err) {
		t.Errorf("Expected second Up to observe LockContention, got %v", err)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first Up failed: %v", err)
	}
	if n := f.rt.callsOf("build"); n != 1 {
		t.Errorf("Expected exactly one build, got %d", n)
	}
}

func TestOrchestrator_LockRenewedDuringLongAction(t *testing.T) {
	f := newFixtureWith(t, Config{LockTTL: 60 * time.Millisecond}, devSpec())
	ctx := context.Background()

	// The build outlasts several lease lengths; a second Up during it
	// must still contend.
	var second error
	f.rt.onBuild = func() {
		time.Sleep(250 * time.Millisecond)
		_, second = f.orch.Up(ctx, "dev")
	}

	if _, err := f.orch.Up(ctx, "dev"); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if !IsLockContention(second) {
		t.Errorf("Expected LockContention during the long build, got %v", second)
	}
	if n := f.rt.callsOf("build"); n != 1 {
		t.Errorf("Expected exactly one build, got %d", n)
	}
	if n := f.rt.callsOf("create"); n != 1 {
		t.Errorf("Expected exactly one create, got %d", n)
	}

	f.store.mu.Lock()
	renewals := f.store.renewals
	f.store.mu.Unlock()
	if renewals == 0 {
		t.Error("Expected the lease to be renewed")
	}
	if held, _ := f.store.GetLock(ctx, "dev"); held != nil {
		t.Errorf("Expected lock released, got %+v", held)
	}
}

func TestOrchestrator_LockLostStopsPlan(t *testing.T) {
	f := newFixtureWith(t, Config{LockTTL: 30 * time.Millisecond}, devSpec())
	ctx := context.Background()

	f.rt.onBuild = func() {
		_ = f.store.ForceReleaseLock(ctx, "dev")
		time.Sleep(100 * time.Millisecond)
	}

	_, err := f.orch.Up(ctx, "dev")
	if KindOf(err) != KindCancelled {
		t.Fatalf("Expected Cancelled, got %v", err)
	}
	if !errors.Is(err, ErrLockLost) {
		t.Errorf("Expected ErrLockLost as the cause, got %v", err)
	}
	if f.rt.callsOf("create") != 0 {
		t.Error("Expected no action after the lock was lost")
	}
	if record := f.record(t, "dev"); record.ImageRef == "" {
		t.Error("Expected the in-flight build to be committed")
	}
}

func TestOrchestrator_InvalidSpec(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{
			name: "spec fails validation",
			setup: func(f *fixture) {
				f.specs.err = &envspec.ValidationError{Name: "dev", Problems: []string{"base_image: is required"}}
			},
		},
		{
			name: "spec missing",
			setup: func(f *fixture) {
				f.specs.specs = map[string]*envspec.EnvironmentSpec{}
			},
		},
		{
			name: "policy rejects",
			setup: func(f *fixture) {
				f.orch.checker = checkerFunc(func(ctx context.Context, spec *envspec.EnvironmentSpec) error {
					return &envspec.ValidationError{Name: spec.Name, Problems: []string{"privileged port"}}
				})
			},
		},
		{
			name: "mount source missing",
			setup: func(f *fixture) {
				f.orch.stat = func(string) (fs.FileInfo, error) { return nil, fs.ErrNotExist }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, devSpec())
			tt.setup(f)

			_, err := f.orch.Up(context.Background(), "dev")
			if !IsInvalidSpec(err) || KindOf(err) != KindInvalidSpec {
				t.Fatalf("Expected InvalidSpec, got %v", err)
			}
			f.rt.mu.Lock()
			calls := len(f.rt.calls)
			f.rt.mu.Unlock()
			if calls != 0 {
				t.Errorf("Expected no runtime calls, got %d", calls)
			}
		})
	}
}

func TestOrchestrator_PortConflict(t *testing.T) {
	a := devSpec()
	a.Name = "a"
	b := devSpec()
	b.Name = "b"
	f := newFixture(t, a, b)
	ctx := context.Background()

	if _, err := f.orch.Up(ctx, "a"); err != nil {
		t.Fatalf("Up a failed: %v", err)
	}

	_, err := f.orch.Up(ctx, "b")
	if !IsInvalidSpec(err) {
		t.Fatalf("Expected InvalidSpec for port conflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "8080/tcp") || !strings.Contains(err.Error(), "environment a") {
		t.Errorf("Expected conflict details, got %q", err.Error())
	}

	if _, err := f.orch.Down(ctx, "a", DownOptions{Purge: true}); err != nil {
		t.Fatalf("Down a failed: %v", err)
	}
	if _, err := f.orch.Up(ctx, "b"); err != nil {
		t.Errorf("Expected b to start once a is purged, got %v", err)
	}
}

func TestOrchestrator_RuntimeUnavailable(t *testing.T) {
	f := newFixture(t, devSpec())
	f.rt.pingErr = runtime.ErrUnavailable

	_, err := f.orch.Up(context.Background(), "dev")
	if KindOf(err) != KindRuntimeUnavailable {
		t.Fatalf("Expected RuntimeUnavailable, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("Expected RuntimeUnavailable to be transient")
	}
}

func TestOrchestrator_OrphanContainer(t *testing.T) {
	f := newFixture(t, devSpec())
	orphan := f.rt.addContainer("dev", runtime.StateRunning)

	report, err := f.orch.Up(context.Background(), "dev")
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	want := []ActionKind{ActionStopContainer, ActionRemoveContainer, ActionBuildImage, ActionCreateContainer, ActionStartContainer}
	if !kindsEqual(report.Plan.Kinds(), want...) {
		t.Errorf("Expected %v, got %s", want, report.Plan)
	}
	if report.Plan.Reason != ReasonOrphan {
		t.Errorf("Expected orphan reason, got %s", report.Plan.Reason)
	}
	if report.ContainerRef == orphan {
		t.Error("Expected orphan to be replaced")
	}
}

func TestOrchestrator_CancelledBetweenActions(t *testing.T) {
	f := newFixture(t, devSpec())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancellation arrives while the build runs; the build still completes.
	f.rt.onBuild = cancel

	_, err := f.orch.Up(ctx, "dev")
	if KindOf(err) != KindCancelled {
		t.Fatalf("Expected Cancelled, got %v", err)
	}

	record := f.record(t, "dev")
	if record.ImageRef == "" {
		t.Error("Expected the in-flight build to be committed")
	}
	if f.rt.callsOf("create") != 0 {
		t.Error("Expected no action after cancellation")
	}

	held, _ := f.store.GetLock(context.Background(), "dev")
	if held != nil {
		t.Error("Expected lock released after cancellation")
	}
}

func TestOrchestrator_Down(t *testing.T) {
	f := newFixture(t, devSpec())
	ctx := context.Background()

	if _, err := f.orch.Up(ctx, "dev"); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	report, err := f.orch.Down(ctx, "dev", DownOptions{})
	if err != nil {
		t.Fatalf("Down failed: %v", err)
	}
	if !kindsEqual(report.Plan.Kinds(), ActionStopContainer) {
		t.Errorf("Expected stop, got %s", report.Plan)
	}
	if got := f.record(t, "dev").ContainerStatus; got != ContainerStopped {
		t.Errorf("Expected stopped, got %s", got)
	}

	report, err = f.orch.Down(ctx, "dev", DownOptions{})
	if err != nil {
		t.Fatalf("second Down failed: %v", err)
	}
	if !report.Plan.IsNoOp() {
		t.Errorf("Expected noop for stopped container, got %s", report.Plan)
	}

	report, err = f.orch.Down(ctx, "dev", DownOptions{Purge: true})
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if !kindsEqual(report.Plan.Kinds(), ActionRemoveContainer) {
		t.Errorf("Expected remove, got %s", report.Plan)
	}
	if _, err := f.store.GetRecord(ctx, "dev"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected record deleted, got %v", err)
	}

	status, err := f.orch.Status(ctx, "dev")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Managed || status.ContainerStatus != ContainerAbsent {
		t.Errorf("Expected unmanaged absent environment, got %+v", status)
	}
}

func TestOrchestrator_DownUnknownEnvironment(t *testing.T) {
	f := newFixture(t)

	report, err := f.orch.Down(context.Background(), "ghost", DownOptions{Purge: true})
	if err != nil {
		t.Fatalf("Down failed: %v", err)
	}
	if !report.Plan.IsNoOp() {
		t.Errorf("Expected noop, got %s", report.Plan)
	}
}

func TestOrchestrator_PurgeImages(t *testing.T) {
	built := devSpec()
	built.Build = &envspec.BuildContext{Instructions: []string{"RUN make deps"}}
	plain := &envspec.EnvironmentSpec{Name: "plain", BaseImage: "base:1", Hostname: "plain"}
	f := newFixture(t, built, plain)
	ctx := context.Background()

	for _, name := range []string{"dev", "plain"} {
		if _, err := f.orch.Up(ctx, name); err != nil {
			t.Fatalf("Up %s failed: %v", name, err)
		}
	}

	if _, err := f.orch.Down(ctx, "dev", DownOptions{RemoveImage: true}); KindOf(err) != KindInvalidSpec {
		t.Errorf("Expected images without purge to be rejected, got %v", err)
	}

	for _, name := range []string{"dev", "plain"} {
		if _, err := f.orch.Down(ctx, name, DownOptions{Purge: true, RemoveImage: true}); err != nil {
			t.Fatalf("purge %s failed: %v", name, err)
		}
	}

	want := ImageTag("dev", Fingerprint(built))
	if len(f.rt.removed) != 1 || f.rt.removed[0] != want {
		t.Errorf("Expected only %s removed, got %v", want, f.rt.removed)
	}
}

func TestOrchestrator_StatusIsReadOnly(t *testing.T) {
	spec := devSpec()
	f := newFixture(t, spec)
	ctx := context.Background()

	if _, err := f.orch.Up(ctx, "dev"); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	f.rt.externalStop("dev")
	puts := f.store.puts

	status, err := f.orch.Status(ctx, "dev")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.ContainerStatus != ContainerStopped {
		t.Errorf("Expected live status stopped, got %s", status.ContainerStatus)
	}
	if status.RecordedStatus != ContainerRunning {
		t.Errorf("Expected recorded status running, got %s", status.RecordedStatus)
	}
	if status.SpecChanged {
		t.Error("Expected spec unchanged")
	}
	if f.store.puts != puts {
		t.Error("Expected Status not to write")
	}

	changed := spec.Clone()
	changed.Command = []string{"sleep", "infinity"}
	f.specs.set(changed)
	status, err = f.orch.Status(ctx, "dev")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.SpecChanged {
		t.Error("Expected spec change to be reported")
	}
}

func TestOrchestrator_NoOpPersistsCorrectedStatus(t *testing.T) {
	f := newFixture(t, devSpec())
	ctx := context.Background()

	if _, err := f.orch.Up(ctx, "dev"); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if _, err := f.orch.Down(ctx, "dev", DownOptions{}); err != nil {
		t.Fatalf("Down failed: %v", err)
	}

	// Restarted behind our back; up only corrects the record.
	r := f.record(t, "dev")
	if err := f.rt.StartContainer(ctx, r.ContainerRef); err != nil {
		t.Fatalf("StartContainer failed: %v", err)
	}
	fp := r.SpecFingerprint

	report, err := f.orch.Up(ctx, "dev")
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if !report.Plan.IsNoOp() {
		t.Fatalf("Expected noop, got %s", report.Plan)
	}
	r = f.record(t, "dev")
	if r.ContainerStatus != ContainerRunning {
		t.Errorf("Expected corrected status running, got %s", r.ContainerStatus)
	}
	if r.SpecFingerprint != fp {
		t.Error("Expected fingerprint untouched")
	}
}

func TestOrchestrator_PlanIsDryRun(t *testing.T) {
	f := newFixture(t, devSpec())
	ctx := context.Background()

	plan, err := f.orch.Plan(ctx, "dev", false)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !kindsEqual(plan.Kinds(), ActionBuildImage, ActionCreateContainer, ActionStartContainer) {
		t.Errorf("Expected full plan, got %s", plan)
	}
	if f.rt.callsOf("build") != 0 {
		t.Error("Expected dry run not to build")
	}
	if _, err := f.store.GetRecord(ctx, "dev"); !errors.Is(err, ErrRecordNotFound) {
		t.Error("Expected dry run not to write a record")
	}
}

func TestOrchestrator_ListAndHistory(t *testing.T) {
	a := devSpec()
	a.Name = "a"
	a.Ports = nil
	b := devSpec()
	b.Name = "b"
	b.Ports = nil
	f := newFixture(t, a, b)
	ctx := context.Background()

	for _, name := range []string{"b", "a"} {
		if _, err := f.orch.Up(ctx, name); err != nil {
			t.Fatalf("Up %s failed: %v", name, err)
		}
	}
	f.rt.externalStop("b")

	reports, err := f.orch.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(reports) != 2 || reports[0].Name != "a" || reports[1].Name != "b" {
		t.Fatalf("Expected a, b, got %+v", reports)
	}
	if reports[1].ContainerStatus != ContainerStopped {
		t.Errorf("Expected b stopped, got %s", reports[1].ContainerStatus)
	}

	entries, err := f.orch.History(ctx, "a", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	// Three actions plus the operation itself, newest first.
	if len(entries) != 4 {
		t.Fatalf("Expected 4 journal entries, got %d", len(entries))
	}
	if entries[0].Action != "" || entries[0].Status != RunStatusSucceeded {
		t.Errorf("Expected operation entry first, got %+v", entries[0])
	}
	if entries[1].Action != ActionStartContainer || entries[3].Action != ActionBuildImage {
		t.Errorf("Unexpected action order: %s, %s", entries[1].Action, entries[3].Action)
	}
	if entries[1].PlanID != entries[0].PlanID {
		t.Error("Expected entries to share the plan id")
	}
}
