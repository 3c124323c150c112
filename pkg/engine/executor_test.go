package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/distribution/reference"

	"github.com/openfroyo/devenv/pkg/envspec"
	"github.com/openfroyo/devenv/pkg/runtime"
)

func TestRunWithDeadline(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		want := errors.New("boom")
		err := runWithDeadline(context.Background(), time.Second, func(context.Context) error { return want })
		if !errors.Is(err, want) {
			t.Errorf("Expected %v, got %v", want, err)
		}
	})

	t.Run("abandons a call that ignores its context", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)

		err := runWithDeadline(context.Background(), 20*time.Millisecond, func(context.Context) error {
			<-block
			return nil
		})
		var dl *deadlineError
		if !errors.As(err, &dl) {
			t.Fatalf("Expected deadline error, got %v", err)
		}
		if dl.timeout != 20*time.Millisecond {
			t.Errorf("Expected timeout to be recorded, got %s", dl.timeout)
		}
	})

	t.Run("ignores parent cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := runWithDeadline(ctx, time.Second, func(ctx context.Context) error {
			return ctx.Err()
		})
		if err != nil {
			t.Errorf("Expected call to run despite cancelled parent, got %v", err)
		}
	})
}

func TestTimeouts_Defaults(t *testing.T) {
	got := Timeouts{Build: time.Minute}.withDefaults()
	def := DefaultTimeouts()

	if got.Build != time.Minute {
		t.Errorf("Expected configured build timeout kept, got %s", got.Build)
	}
	if got.Create != def.Create || got.Inspect != def.Inspect || got.StopGrace != def.StopGrace {
		t.Errorf("Expected zero fields defaulted, got %+v", got)
	}
	if got.forAction(ActionStopContainer) != def.Stop+def.StopGrace {
		t.Errorf("Expected stop to include the grace period, got %s", got.forAction(ActionStopContainer))
	}
}

func TestExecutor_StopAndRemoveTolerateMissingContainer(t *testing.T) {
	rt := newMockRuntime()
	store := newMemStore()
	exec := NewExecutor(rt, store, Timeouts{})

	record := &StateRecord{
		Name:            "dev",
		SpecFingerprint: "sha256:abc",
		ImageRef:        "img",
		ContainerRef:    "gone",
		ContainerStatus: ContainerRunning,
	}
	plan := &Plan{
		ID:          "p1",
		Environment: "dev",
		Operation:   OperationPurge,
		Actions:     []Action{{Kind: ActionStopContainer}, {Kind: ActionRemoveContainer}},
	}

	final, err := exec.Execute(context.Background(), plan, Target{Record: record})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if final.ContainerStatus != ContainerAbsent || final.ContainerRef != "" {
		t.Errorf("Expected absent record, got %+v", final)
	}
	if store.puts != 2 {
		t.Errorf("Expected a commit per action, got %d", store.puts)
	}
	if len(store.journal) != 2 {
		t.Errorf("Expected a journal entry per action, got %d", len(store.journal))
	}
}

func TestExecutor_FailureStopsPlan(t *testing.T) {
	rt := newMockRuntime()
	store := newMemStore()
	exec := NewExecutor(rt, store, Timeouts{})
	rt.setFailure("build", &runtime.Error{Op: "build", Ref: "devenv/dev", Err: errors.New("RUN make: exit code 2")})

	spec := devSpec()
	plan := NewPlanner().Plan(PlanInput{Spec: spec})

	final, err := exec.Execute(context.Background(), plan, Target{Spec: spec})
	if KindOf(err) != KindBuildFailed {
		t.Fatalf("Expected BuildFailed, got %v", err)
	}
	if final != nil {
		t.Errorf("Expected no record, got %+v", final)
	}
	if rt.callsOf("create") != 0 {
		t.Error("Expected no action after the failure")
	}
	if len(store.journal) != 1 || store.journal[0].Status != RunStatusFailed {
		t.Errorf("Expected one failed journal entry, got %+v", store.journal)
	}
}

func TestExecutor_RuntimeUnavailableMidPlan(t *testing.T) {
	rt := newMockRuntime()
	exec := NewExecutor(rt, newMemStore(), Timeouts{})
	rt.setFailure("create", &runtime.Error{Op: "create", Err: runtime.ErrUnavailable})

	spec := devSpec()
	plan := NewPlanner().Plan(PlanInput{Spec: spec})

	_, err := exec.Execute(context.Background(), plan, Target{Spec: spec})
	if KindOf(err) != KindRuntimeUnavailable {
		t.Errorf("Expected RuntimeUnavailable, got %v", err)
	}
}

func TestBuildRequestFor(t *testing.T) {
	spec := devSpec()
	spec.Build = &envspec.BuildContext{
		Path:       "/src",
		Dockerfile: "Dockerfile.dev",
		Args:       map[string]string{"GO_VERSION": "1.25"},
	}
	fp := Fingerprint(spec)

	req := BuildRequestFor(spec, fp)
	if req.ContextPath != "/src" || req.Dockerfile != "Dockerfile.dev" {
		t.Errorf("Unexpected context %s/%s", req.ContextPath, req.Dockerfile)
	}
	if req.Args["GO_VERSION"] != "1.25" {
		t.Errorf("Expected build args, got %v", req.Args)
	}
	if !req.HasContext() {
		t.Error("Expected request to need a build")
	}

	spec.Build.Args["GO_VERSION"] = "1.26"
	if req.Args["GO_VERSION"] != "1.25" {
		t.Error("Expected build args to be copied")
	}

	if BuildRequestFor(devSpec(), fp).HasContext() {
		t.Error("Expected spec without build to only need the base image")
	}
}

func TestCreateRequestFor(t *testing.T) {
	spec := devSpec()
	spec.Env = map[string]string{"B": "2", "A": "1"}
	spec.Mounts[0].ReadOnly = true

	req := CreateRequestFor(spec, "img", "sha256:abc")
	if req.Name != "devenv-dev" || req.Image != "img" || req.Hostname != "dev" {
		t.Errorf("Unexpected identity %+v", req)
	}
	if len(req.Env) != 2 || req.Env[0] != "A=1" || req.Env[1] != "B=2" {
		t.Errorf("Expected sorted env, got %v", req.Env)
	}
	if len(req.Mounts) != 1 || !req.Mounts[0].ReadOnly || req.Mounts[0].Target != "/app" {
		t.Errorf("Unexpected mounts %+v", req.Mounts)
	}
	if len(req.Ports) != 1 || req.Ports[0].Protocol != "tcp" || req.Ports[0].HostPort != 8080 {
		t.Errorf("Unexpected ports %+v", req.Ports)
	}
	if req.Labels[runtime.LabelFingerprint] != "sha256:abc" {
		t.Errorf("Expected fingerprint label, got %v", req.Labels)
	}
}

func TestImageTag(t *testing.T) {
	tag := ImageTag("MyEnv", "sha256:0123456789abcdef")
	if tag != "devenv/myenv:0123456789ab" {
		t.Errorf("Unexpected tag %s", tag)
	}
}

func TestImageTag_ParsesAsReference(t *testing.T) {
	for _, name := range []string{"dev", "My.Env", "a__b", "a--b", "x_y-z.1"} {
		tag := ImageTag(name, "sha256:0123456789abcdef")
		if _, err := reference.ParseNormalizedNamed(tag); err != nil {
			t.Errorf("ImageTag(%q) = %s is not a valid reference: %v", name, tag, err)
		}
	}
}
