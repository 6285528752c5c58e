package env

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/wippyai/wasix/cache"
	"github.com/wippyai/wasix/engine"
	"github.com/wippyai/wasix/errors"
	"github.com/wippyai/wasix/registry"
)

type countingClock struct {
	now   atomic.Int64
	reads atomic.Int32
}

func (c *countingClock) Nanotime() int64 {
	c.reads.Add(1)
	return c.now.Load()
}

type fakeFunc struct {
	fn    func(ctx context.Context, params ...uint64) ([]uint64, error)
	calls atomic.Int32
}

func (f *fakeFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(ctx, params...)
}

type fakeArtifact struct {
	imports []engine.ImportDef
	memory  *engine.MemoryType
	funcs   map[string]*fakeFunc
}

func (a *fakeArtifact) Imports() []engine.ImportDef { return a.imports }

func (a *fakeArtifact) ImportedMemory() (engine.MemoryType, bool) {
	if a.memory == nil {
		return engine.MemoryType{}, false
	}
	return *a.memory, true
}

func (a *fakeArtifact) Exports() []string {
	names := make([]string, 0, len(a.funcs))
	for n := range a.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (a *fakeArtifact) RequiredFeatures() []string { return nil }

type fakeInstance struct {
	funcs  map[string]*fakeFunc
	closed atomic.Bool
}

func (i *fakeInstance) ExportedFunction(name string) engine.Function {
	if f, ok := i.funcs[name]; ok {
		return f
	}
	return nil
}

func (i *fakeInstance) ExportedGlobal(string) engine.Global { return nil }
func (i *fakeInstance) Memory() engine.Memory               { return nil }

func (i *fakeInstance) Close(context.Context) error {
	i.closed.Store(true)
	return nil
}

type fakeStore struct {
	imports *engine.Imports
	cfg     engine.ModuleConfig
	mu      sync.Mutex
}

func (s *fakeStore) Instantiate(_ context.Context, a engine.Artifact, imports *engine.Imports, cfg engine.ModuleConfig) (engine.Instance, error) {
	s.mu.Lock()
	s.imports, s.cfg = imports, cfg
	s.mu.Unlock()

	if imports.Store() != engine.Store(s) {
		return nil, errors.StoreMismatch()
	}
	if missing := imports.Unsatisfied(a); len(missing) > 0 {
		return nil, errors.Link(missing[0].Module, missing[0].Name, nil)
	}
	return &fakeInstance{funcs: a.(*fakeArtifact).funcs}, nil
}

func (s *fakeStore) Close(context.Context) error { return nil }

type fakeEngine struct {
	compiles atomic.Int32
}

func (e *fakeEngine) ID() string { return "fake" }

func (e *fakeEngine) Compile(_ context.Context, wasm []byte) (engine.Artifact, error) {
	e.compiles.Add(1)
	return &fakeArtifact{}, nil
}

func (e *fakeEngine) Serialize(engine.Artifact) ([]byte, error) {
	return []byte("fake"), nil
}

func (e *fakeEngine) Deserialize(context.Context, []byte) (engine.Artifact, error) {
	return &fakeArtifact{}, nil
}

func (e *fakeEngine) NewStore(context.Context) (engine.Store, error) {
	return &fakeStore{}, nil
}

type fakeProvision struct {
	ty engine.MemoryType
}

func (p *fakeProvision) Type() engine.MemoryType { return p.ty }

type fakeTasks struct {
	spawns []engine.SpawnType
	mu     sync.Mutex
}

func (t *fakeTasks) BuildMemory(_ context.Context, spawn engine.SpawnType) (engine.Provision, error) {
	t.mu.Lock()
	t.spawns = append(t.spawns, spawn)
	t.mu.Unlock()
	if spawn.Kind == engine.SpawnCreate {
		return nil, nil
	}
	return &fakeProvision{ty: spawn.Type}, nil
}

type mapSource struct {
	pkgs  map[string]*registry.Package
	names []string
	mu    sync.Mutex
}

func (s *mapSource) Fetch(_ context.Context, name, _ string) (*registry.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	pkg, ok := s.pkgs[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseResolve, "package", name)
	}
	return pkg, nil
}

func (s *mapSource) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

type testRuntime struct {
	*Runtime
	clock  *countingClock
	tasks  *fakeTasks
	engine *fakeEngine
}

func newTestRuntime(t *testing.T, source registry.Source) *testRuntime {
	t.Helper()
	clk := &countingClock{}
	tasks := &fakeTasks{}
	eng := &fakeEngine{}
	rt, err := NewRuntime(RuntimeConfig{
		Engine:       eng,
		Tasks:        tasks,
		Clock:        clk,
		PackageCache: cache.NewPackageCache(t.TempDir(), clk),
		Source:       source,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testRuntime{Runtime: rt, clock: clk, tasks: tasks, engine: eng}
}

func newTestEnv(t *testing.T, rt *Runtime) *Env {
	t.Helper()
	e, err := New(Init{Runtime: rt, Name: "test"})
	if err != nil {
		t.Fatal(err)
	}
	return e
}
