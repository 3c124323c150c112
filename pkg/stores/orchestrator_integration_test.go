package stores_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/devenv/pkg/engine"
	"github.com/openfroyo/devenv/pkg/envspec"
	"github.com/openfroyo/devenv/pkg/runtime"
	"github.com/openfroyo/devenv/pkg/stores"
)

// fakeRuntime keeps containers and images in memory.
type fakeRuntime struct {
	mu         sync.Mutex
	next       int
	images     map[string]bool
	containers map[string]*runtime.ContainerInfo
	builds     int

	// onBuild runs at the start of BuildImage, outside the lock.
	onBuild func()
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		images:     make(map[string]bool),
		containers: make(map[string]*runtime.ContainerInfo),
	}
}

func (r *fakeRuntime) Ping(context.Context) error { return nil }

func (r *fakeRuntime) InspectImage(_ context.Context, ref string) (*runtime.ImageInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.images[ref] {
		return nil, &runtime.Error{Op: "inspect image", Ref: ref, Err: runtime.ErrNotFound}
	}
	return &runtime.ImageInfo{ID: ref}, nil
}

func (r *fakeRuntime) BuildImage(_ context.Context, req runtime.BuildRequest) (string, error) {
	if r.onBuild != nil {
		r.onBuild()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds++
	r.images[req.Tag] = true
	return req.Tag, nil
}

func (r *fakeRuntime) RemoveImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.images[ref] {
		return &runtime.Error{Op: "remove image", Ref: ref, Err: runtime.ErrNotFound}
	}
	delete(r.images, ref)
	return nil
}

// lookup must be called with mu held.
func (r *fakeRuntime) lookup(ref string) *runtime.ContainerInfo {
	if c, ok := r.containers[ref]; ok {
		return c
	}
	for _, c := range r.containers {
		if c.Name == ref {
			return c
		}
	}
	return nil
}

func (r *fakeRuntime) InspectContainer(_ context.Context, ref string) (*runtime.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(ref)
	if c == nil {
		return nil, &runtime.Error{Op: "inspect container", Ref: ref, Err: runtime.ErrNotFound}
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRuntime) CreateContainer(_ context.Context, req runtime.CreateRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("c%d", r.next)
	r.containers[id] = &runtime.ContainerInfo{
		ID:     id,
		Name:   req.Name,
		Image:  req.Image,
		State:  runtime.StateCreated,
		Labels: req.Labels,
	}
	return id, nil
}

func (r *fakeRuntime) setState(ref string, state runtime.ContainerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(ref)
	if c == nil {
		return &runtime.Error{Op: "set state", Ref: ref, Err: runtime.ErrNotFound}
	}
	c.State = state
	return nil
}

func (r *fakeRuntime) StartContainer(_ context.Context, ref string) error {
	return r.setState(ref, runtime.StateRunning)
}

func (r *fakeRuntime) StopContainer(_ context.Context, ref string, _ time.Duration) error {
	return r.setState(ref, runtime.StateExited)
}

func (r *fakeRuntime) RemoveContainer(_ context.Context, ref string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(ref)
	if c == nil {
		return &runtime.Error{Op: "remove", Ref: ref, Err: runtime.ErrNotFound}
	}
	delete(r.containers, c.ID)
	return nil
}

func (r *fakeRuntime) Close() error { return nil }

type mapSpecs map[string]*envspec.EnvironmentSpec

func (m mapSpecs) Lookup(_ context.Context, name string) (*envspec.EnvironmentSpec, error) {
	spec, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("no spec for environment %q", name)
	}
	return spec, nil
}

func statAll(string) (os.FileInfo, error) { return nil, nil }

func integrationSpec(t *testing.T, name string) *envspec.EnvironmentSpec {
	t.Helper()
	spec, err := envspec.Load(envspec.Raw{
		Name:      name,
		BaseImage: "ubuntu:24.04",
		Mounts:    []envspec.RawMount{{Host: "/home/me/src", Container: "/workspace"}},
		Ports:     []envspec.RawPort{{Host: 8080, Container: 8080}},
	})
	if err != nil {
		t.Fatalf("failed to load spec: %v", err)
	}
	return spec
}

func newIntegrationOrchestrator(t *testing.T, store engine.StateStore, rt runtime.Client, specs mapSpecs) *engine.Orchestrator {
	t.Helper()
	orch, err := engine.NewOrchestrator(engine.Config{
		Runtime: rt,
		Store:   store,
		Specs:   specs,
		Stat:    statAll,
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	return orch
}

func TestOrchestrator_LifecycleOnSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	rt := newFakeRuntime()
	specs := mapSpecs{"dev": integrationSpec(t, "dev")}
	orch := newIntegrationOrchestrator(t, store, rt, specs)

	report, err := orch.Up(ctx, "dev")
	if err != nil {
		t.Fatalf("up failed: %v", err)
	}
	if report.ContainerStatus != engine.ContainerRunning {
		t.Fatalf("expected running, got %s", report.ContainerStatus)
	}

	record, err := store.GetRecord(ctx, "dev")
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}
	if record.ContainerStatus != engine.ContainerRunning || record.Spec == nil || record.SpecFingerprint != report.Fingerprint {
		t.Errorf("unexpected record %+v", record)
	}

	// Reopen the store, as a second CLI invocation would.
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
	store, err = stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	orch = newIntegrationOrchestrator(t, store, rt, specs)

	report, err = orch.Up(ctx, "dev")
	if err != nil {
		t.Fatalf("second up failed: %v", err)
	}
	if !report.Plan.IsNoOp() {
		t.Errorf("expected no-op after reopen, got %s", report.Plan)
	}
	if rt.builds != 1 {
		t.Errorf("expected a single build, got %d", rt.builds)
	}

	report, err = orch.Down(ctx, "dev", engine.DownOptions{})
	if err != nil {
		t.Fatalf("down failed: %v", err)
	}
	if report.ContainerStatus != engine.ContainerStopped {
		t.Errorf("expected stopped, got %s", report.ContainerStatus)
	}

	if _, err := orch.Down(ctx, "dev", engine.DownOptions{Purge: true, RemoveImage: true}); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records after purge, got %d", len(records))
	}
	if len(rt.images) != 0 || len(rt.containers) != 0 {
		t.Errorf("expected runtime to be empty, got %d images %d containers", len(rt.images), len(rt.containers))
	}

	history, err := store.ListJournal(ctx, "dev", 0)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(history) == 0 || history[0].Operation != engine.OperationPurge {
		t.Errorf("expected purge to be the newest journal entry, got %+v", history)
	}

	if holder, _ := store.GetLock(ctx, "dev"); holder != nil {
		t.Errorf("expected lock released, got %+v", holder)
	}
	_ = store.Close()
}

// Two orchestrators sharing one database file model two concurrent CLI
// processes: exactly one mutating operation proceeds.
func TestOrchestrator_LockAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	first, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer first.Close()
	second, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer second.Close()

	// Simulate an in-flight operation from another process.
	now := time.Now()
	held := &engine.LockInfo{
		Environment: "dev",
		Owner:       "other",
		Operation:   engine.OperationRebuild,
		Hostname:    "laptop",
		PID:         777,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(time.Minute),
	}
	if err := first.AcquireLock(ctx, held); err != nil {
		t.Fatalf("failed to seed lock: %v", err)
	}

	rt := newFakeRuntime()
	orch := newIntegrationOrchestrator(t, second, rt, mapSpecs{"dev": integrationSpec(t, "dev")})

	_, err = orch.Up(ctx, "dev")
	if !engine.IsLockContention(err) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	if len(rt.containers) != 0 {
		t.Error("expected no runtime mutation while locked")
	}

	holder, err := orch.Unlock(ctx, "dev")
	if err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if holder == nil || holder.PID != 777 {
		t.Errorf("expected the other holder to be reported, got %+v", holder)
	}

	if _, err := orch.Up(ctx, "dev"); err != nil {
		t.Errorf("expected up to succeed after unlock, got %v", err)
	}
}

func TestOrchestrator_LockHeldThroughLongBuild(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	first, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer first.Close()
	second, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer second.Close()

	rt := newFakeRuntime()
	building := make(chan struct{})
	var once sync.Once
	rt.onBuild = func() {
		once.Do(func() { close(building) })
		time.Sleep(400 * time.Millisecond)
	}

	specs := mapSpecs{"dev": integrationSpec(t, "dev")}
	newOrch := func(store engine.StateStore) *engine.Orchestrator {
		orch, err := engine.NewOrchestrator(engine.Config{
			Runtime: rt,
			Store:   store,
			Specs:   specs,
			Stat:    statAll,
			LockTTL: 100 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("failed to create orchestrator: %v", err)
		}
		return orch
	}
	a, b := newOrch(first), newOrch(second)

	done := make(chan error, 1)
	go func() {
		_, err := a.Up(ctx, "dev")
		done <- err
	}()

	// Wait until the build has outlived the initial lease.
	<-building
	time.Sleep(200 * time.Millisecond)

	if _, err := b.Up(ctx, "dev"); !engine.IsLockContention(err) {
		t.Errorf("expected lock contention while the build runs, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first up failed: %v", err)
	}

	rt.mu.Lock()
	builds, containers := rt.builds, len(rt.containers)
	rt.mu.Unlock()
	if builds != 1 || containers != 1 {
		t.Errorf("expected one build and one container, got %d builds and %d containers", builds, containers)
	}
}
