package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/devenv/pkg/envspec"
	"github.com/openfroyo/devenv/pkg/runtime"
)

// Mock implementations for testing

type mockRuntime struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*runtime.ContainerInfo
	nextID     int
	calls      []string
	builds     []runtime.BuildRequest
	removed    []string

	pingErr error
	failOn  map[string]error

	// hang blocks the named operation until release is closed, ignoring ctx.
	hang    map[string]bool
	release chan struct{}

	// onBuild runs inside BuildImage before it returns.
	onBuild func()
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{
		images:     make(map[string]bool),
		containers: make(map[string]*runtime.ContainerInfo),
		failOn:     make(map[string]error),
		hang:       make(map[string]bool),
		release:    make(chan struct{}),
	}
}

func (m *mockRuntime) enter(op string) error {
	m.mu.Lock()
	m.calls = append(m.calls, op)
	hang := m.hang[op]
	err := m.failOn[op]
	m.mu.Unlock()

	if hang {
		<-m.release
	}
	return err
}

func (m *mockRuntime) callsOf(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (m *mockRuntime) setFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, op)
		return
	}
	m.failOn[op] = err
}

func (m *mockRuntime) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *mockRuntime) InspectImage(ctx context.Context, ref string) (*runtime.ImageInfo, error) {
	if err := m.enter("inspect_image"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.images[ref] {
		return nil, &runtime.Error{Op: "inspect image", Ref: ref, Err: runtime.ErrNotFound}
	}
	return &runtime.ImageInfo{ID: ref}, nil
}

func (m *mockRuntime) BuildImage(ctx context.Context, req runtime.BuildRequest) (string, error) {
	if err := m.enter("build"); err != nil {
		return "", err
	}
	if m.onBuild != nil {
		m.onBuild()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds = append(m.builds, req)
	ref := "sha256:" + req.Tag
	m.images[ref] = true
	m.images[req.Tag] = true
	return ref, nil
}

func (m *mockRuntime) RemoveImage(ctx context.Context, ref string) error {
	if err := m.enter("remove_image"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.images[ref] {
		return &runtime.Error{Op: "remove image", Ref: ref, Err: runtime.ErrNotFound}
	}
	delete(m.images, ref)
	m.removed = append(m.removed, ref)
	return nil
}

func (m *mockRuntime) find(ref string) *runtime.ContainerInfo {
	if c, ok := m.containers[ref]; ok {
		return c
	}
	for _, c := range m.containers {
		if strings.TrimPrefix(c.Name, "/") == ref {
			return c
		}
	}
	return nil
}

func (m *mockRuntime) InspectContainer(ctx context.Context, ref string) (*runtime.ContainerInfo, error) {
	if err := m.enter("inspect"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(ref)
	if c == nil {
		return nil, &runtime.Error{Op: "inspect container", Ref: ref, Err: runtime.ErrNotFound}
	}
	cp := *c
	return &cp, nil
}

func (m *mockRuntime) CreateContainer(ctx context.Context, req runtime.CreateRequest) (string, error) {
	if err := m.enter("create"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.find(req.Name) != nil {
		return "", fmt.Errorf("Conflict. The container name %q is already in use", "/"+req.Name)
	}
	m.nextID++
	id := fmt.Sprintf("c%04d", m.nextID)
	m.containers[id] = &runtime.ContainerInfo{
		ID:     id,
		Name:   "/" + req.Name,
		Image:  req.Image,
		State:  runtime.StateCreated,
		Labels: req.Labels,
	}
	return id, nil
}

func (m *mockRuntime) StartContainer(ctx context.Context, ref string) error {
	if err := m.enter("start"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(ref)
	if c == nil {
		return &runtime.Error{Op: "start", Ref: ref, Err: runtime.ErrNotFound}
	}
	if c.State == runtime.StateDead || c.State == runtime.StateRemoving {
		return fmt.Errorf("cannot start %s container %s", c.State, ref)
	}
	c.State = runtime.StateRunning
	return nil
}

func (m *mockRuntime) StopContainer(ctx context.Context, ref string, timeout time.Duration) error {
	if err := m.enter("stop"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(ref)
	if c == nil {
		return &runtime.Error{Op: "stop", Ref: ref, Err: runtime.ErrNotFound}
	}
	c.State = runtime.StateExited
	return nil
}

func (m *mockRuntime) RemoveContainer(ctx context.Context, ref string, force bool) error {
	if err := m.enter("remove"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(ref)
	if c == nil {
		return &runtime.Error{Op: "remove", Ref: ref, Err: runtime.ErrNotFound}
	}
	if c.State.IsRunning() && !force {
		return fmt.Errorf("cannot remove running container %s", ref)
	}
	delete(m.containers, c.ID)
	return nil
}

func (m *mockRuntime) Close() error {
	return nil
}

// externalStop simulates a container stopped outside the tool.
func (m *mockRuntime) externalStop(name string) {
	m.externalState(name, runtime.StateExited)
}

// externalState forces the container into state behind the tool's back.
func (m *mockRuntime) externalState(name string, state runtime.ContainerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.find(envspec.ContainerNamePrefix + name); c != nil {
		c.State = state
	}
}

// externalRemove simulates a container removed outside the tool.
func (m *mockRuntime) externalRemove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.find(envspec.ContainerNamePrefix + name); c != nil {
		delete(m.containers, c.ID)
	}
}

func (m *mockRuntime) dropImages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = make(map[string]bool)
}

func (m *mockRuntime) addContainer(name string, state runtime.ContainerState) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("c%04d", m.nextID)
	m.containers[id] = &runtime.ContainerInfo{ID: id, Name: "/" + envspec.ContainerNamePrefix + name, State: state}
	return id
}

type memStore struct {
	mu      sync.Mutex
	records map[string]*StateRecord
	locks   map[string]*LockInfo
	journal []*JournalEntry
	puts    int

	renewals int
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*StateRecord),
		locks:   make(map[string]*LockInfo),
	}
}

func (s *memStore) GetRecord(ctx context.Context, name string) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.Clone(), nil
}

func (s *memStore) PutRecord(ctx context.Context, record *StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := record.Clone()
	if prev, ok := s.records[r.Name]; ok {
		r.Version = prev.Version + 1
		r.CreatedAt = prev.CreatedAt
	} else {
		r.Version = 1
	}
	s.records[r.Name] = r
	s.puts++
	return nil
}

func (s *memStore) DeleteRecord(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	return nil
}

func (s *memStore) ListRecords(ctx context.Context) ([]*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StateRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) AcquireLock(ctx context.Context, lock *LockInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[lock.Environment]; ok && time.Now().Before(held.ExpiresAt) {
		return NewLockContentionError(lock.Environment, held)
	}
	cp := *lock
	s.locks[lock.Environment] = &cp
	return nil
}

func (s *memStore) RenewLock(ctx context.Context, name, owner string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[name]
	if !ok || held.Owner != owner {
		return fmt.Errorf("%w: %s", ErrLockLost, name)
	}
	held.ExpiresAt = expiresAt
	s.renewals++
	return nil
}

func (s *memStore) ReleaseLock(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[name]; ok && held.Owner == owner {
		delete(s.locks, name)
	}
	return nil
}

func (s *memStore) ForceReleaseLock(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, name)
	return nil
}

func (s *memStore) GetLock(ctx context.Context, name string) (*LockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[name]; ok {
		cp := *held
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.ID = int64(len(s.journal) + 1)
	s.journal = append(s.journal, &cp)
	return nil
}

func (s *memStore) ListJournal(ctx context.Context, name string, limit int) ([]*JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*JournalEntry
	for i := len(s.journal) - 1; i >= 0; i-- {
		if s.journal[i].Environment != name {
			continue
		}
		out = append(out, s.journal[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type staticSpecs struct {
	mu    sync.Mutex
	specs map[string]*envspec.EnvironmentSpec
	err   error
}

func (s *staticSpecs) Lookup(ctx context.Context, name string) (*envspec.EnvironmentSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	spec, ok := s.specs[name]
	if !ok {
		return nil, fmt.Errorf("no spec for environment %q", name)
	}
	return spec.Clone(), nil
}

func (s *staticSpecs) set(spec *envspec.EnvironmentSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Name] = spec
}

type checkerFunc func(ctx context.Context, spec *envspec.EnvironmentSpec) error

func (f checkerFunc) CheckSpec(ctx context.Context, spec *envspec.EnvironmentSpec) error {
	return f(ctx, spec)
}

// dirInfo satisfies os.FileInfo for host paths that only exist in tests.
type dirInfo struct{ name string }

func (d dirInfo) Name() string       { return d.name }
func (d dirInfo) Size() int64        { return 0 }
func (d dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o755 }
func (d dirInfo) ModTime() time.Time { return time.Time{} }
func (d dirInfo) IsDir() bool        { return true }
func (d dirInfo) Sys() interface{}   { return nil }

func statAll(path string) (os.FileInfo, error) {
	return dirInfo{name: path}, nil
}

func devSpec() *envspec.EnvironmentSpec {
	return &envspec.EnvironmentSpec{
		Name:      "dev",
		BaseImage: "base:1",
		Mounts:    []envspec.Mount{{HostPath: "/home/user/proj", ContainerPath: "/app"}},
		Ports:     []envspec.PortMapping{{HostPort: 8080, ContainerPort: 8080, Protocol: envspec.ProtocolTCP}},
		Hostname:  "dev",
	}
}

type fixture struct {
	rt    *mockRuntime
	store *memStore
	specs *staticSpecs
	orch  *Orchestrator
}

func newFixture(t *testing.T, specs ...*envspec.EnvironmentSpec) *fixture {
	t.Helper()
	return newFixtureWith(t, Config{}, specs...)
}

func newFixtureWith(t *testing.T, cfg Config, specs ...*envspec.EnvironmentSpec) *fixture {
	t.Helper()

	f := &fixture{
		rt:    newMockRuntime(),
		store: newMemStore(),
		specs: &staticSpecs{specs: make(map[string]*envspec.EnvironmentSpec)},
	}
	for _, s := range specs {
		f.specs.set(s)
	}
	t.Cleanup(func() {
		select {
		case <-f.rt.release:
		default:
			close(f.rt.release)
		}
	})

	cfg.Runtime = f.rt
	cfg.Store = f.store
	cfg.Specs = f.specs
	if cfg.Stat == nil {
		cfg.Stat = statAll
	}

	orch, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	f.orch = orch
	return f
}

func (f *fixture) record(t *testing.T, name string) *StateRecord {
	t.Helper()
	r, err := f.store.GetRecord(context.Background(), name)
	if err != nil {
		t.Fatalf("GetRecord(%s) failed: %v", name, err)
	}
	return r
}

func kindsEqual(got []ActionKind, want ...ActionKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
