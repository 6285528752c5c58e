package engine

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/wippyai/wasix/errors"
)

// WASIPreview1 is the namespace of the engine-provided WASI preview1 imports.
const WASIPreview1 = "wasi_snapshot_preview1"

// artifactFormat versions the serialized artifact layout.
const artifactFormat = 1

// WazeroEngine implements Engine on top of wazero. Each Store is a separate
// wazero runtime; compiled code is shared between them through one
// compilation cache, so compiling an artifact in a new store is cheap.
type WazeroEngine struct {
	cache    wazero.CompilationCache
	probe    wazero.Runtime
	features []string
	cfg      Config
}

// Config holds configuration for engine creation
type Config struct {
	// CompilationCacheDir persists wazero's native code between processes when set.
	CompilationCacheDir string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	// Required for shared memories.
	EnableThreads bool
}

// NewWazeroEngine creates a new wazero-based engine. cfg may be nil.
func NewWazeroEngine(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	e := &WazeroEngine{features: HostFeatures()}
	if cfg != nil {
		e.cfg = *cfg
	}

	if e.cfg.CompilationCacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(e.cfg.CompilationCacheDir)
		if err != nil {
			return nil, fmt.Errorf("compilation cache: %w", err)
		}
		e.cache = c
	} else {
		e.cache = wazero.NewCompilationCache()
	}

	e.probe = wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())
	return e, nil
}

func (e *WazeroEngine) runtimeConfig() wazero.RuntimeConfig {
	rc := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)
	if e.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	if e.cfg.EnableThreads {
		rc = rc.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}
	return rc
}

// ID implements Engine.
func (e *WazeroEngine) ID() string {
	return "wazero-" + runtime.GOOS + "-" + runtime.GOARCH
}

// Close releases the probe runtime and the compilation cache.
func (e *WazeroEngine) Close(ctx context.Context) error {
	err := e.probe.Close(ctx)
	if cerr := e.cache.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// TaskManager returns the memory provisioner matching this engine.
func (e *WazeroEngine) TaskManager() *WazeroTaskManager {
	return &WazeroTaskManager{threads: e.cfg.EnableThreads}
}

type wazeroArtifact struct {
	compiled wazero.CompiledModule
	memory   *MemoryType
	wasm     []byte
	imports  []ImportDef
	exports  []string
	features []string
}

func (a *wazeroArtifact) Imports() []ImportDef { return a.imports }
func (a *wazeroArtifact) Exports() []string    { return a.exports }

func (a *wazeroArtifact) ImportedMemory() (MemoryType, bool) {
	if a.memory == nil {
		return MemoryType{}, false
	}
	return *a.memory, true
}

func (a *wazeroArtifact) RequiredFeatures() []string { return a.features }

// Compile implements Engine. It validates the module and records its import
// and export metadata.
func (e *WazeroEngine) Compile(ctx context.Context, wasm []byte) (Artifact, error) {
	return e.compile(ctx, wasm, e.features)
}

func (e *WazeroEngine) compile(ctx context.Context, wasm []byte, features []string) (*wazeroArtifact, error) {
	compiled, err := e.probe.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile failed: %w", err)
	}

	// The compiled module stays open: it keeps the native code resident in the
	// shared compilation cache for the stores that instantiate this artifact.
	a := &wazeroArtifact{
		compiled: compiled,
		wasm:     wasm,
		features: features,
	}
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		a.imports = append(a.imports, ImportDef{Module: mod, Name: name, Kind: ExternFunc})
	}
	for _, def := range compiled.ImportedMemories() {
		mod, name, _ := def.Import()
		a.imports = append(a.imports, ImportDef{Module: mod, Name: name, Kind: ExternMemory})
	}
	for name := range compiled.ExportedFunctions() {
		a.exports = append(a.exports, name)
	}
	sort.Strings(a.exports)

	ty, ok, err := importedMemoryType(wasm)
	if err != nil {
		return nil, fmt.Errorf("read memory import: %w", err)
	}
	if ok {
		a.memory = &ty
	}
	return a, nil
}

type artifactEnvelope struct {
	Wasm     []byte   `msgpack:"wasm"`
	Features []string `msgpack:"features"`
	Format   int      `msgpack:"format"`
}

// Serialize implements Engine. wazero keeps native code in its compilation
// cache, so the portable form is the validated binary plus the features the
// compiled code assumed.
func (e *WazeroEngine) Serialize(a Artifact) ([]byte, error) {
	wa, ok := a.(*wazeroArtifact)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf("artifact %T not produced by wazero engine", a))
	}
	return msgpack.Marshal(&artifactEnvelope{
		Format:   artifactFormat,
		Wasm:     wa.wasm,
		Features: wa.features,
	})
}

// Deserialize implements Engine.
func (e *WazeroEngine) Deserialize(ctx context.Context, data []byte) (Artifact, error) {
	var env artifactEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.InvalidData(errors.PhaseLoad, "decode artifact", err)
	}
	if env.Format != artifactFormat {
		return nil, errors.InvalidData(errors.PhaseLoad, fmt.Sprintf("artifact format %d, want %d", env.Format, artifactFormat), nil)
	}
	return e.compile(ctx, env.Wasm, env.Features)
}

// NewStore implements Engine.
func (e *WazeroEngine) NewStore(ctx context.Context) (Store, error) {
	return &wazeroStore{
		engine:  e,
		runtime: wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig()),
	}, nil
}

type wazeroStore struct {
	runtime wazero.Runtime
	engine  *WazeroEngine
	linked  *Imports
	mu      sync.Mutex
}

// Instantiate implements Store.
func (s *wazeroStore) Instantiate(ctx context.Context, a Artifact, imports *Imports, cfg ModuleConfig) (Instance, error) {
	wa, ok := a.(*wazeroArtifact)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseInstantiate, fmt.Sprintf("artifact %T not produced by wazero engine", a))
	}
	if imports == nil {
		imports = NewImports(s)
	}
	if imports.Store() != Store(s) {
		return nil, errors.StoreMismatch()
	}
	if missing := MissingFeatures(wa.features); len(missing) > 0 {
		return nil, errors.CPUFeature(missing)
	}
	if missing := imports.Unsatisfied(wa); len(missing) > 0 {
		first := missing[0]
		Logger().Debug("unsatisfied imports",
			zap.Int("count", len(missing)),
			zap.String("module", first.Module),
			zap.String("name", first.Name))
		return nil, errors.Link(first.Module, first.Name, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.link(ctx, imports); err != nil {
		return nil, err
	}

	compiled, err := s.runtime.CompileModule(ctx, wa.wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}

	mc := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithArgs(cfg.Args...).
		WithSysNanotime().
		WithSysWalltime().
		WithRandSource(rand.Reader)
	for k, v := range cfg.Env {
		mc = mc.WithEnv(k, v)
	}
	if cfg.Stdin != nil {
		mc = mc.WithStdin(cfg.Stdin)
	}
	if cfg.Stdout != nil {
		mc = mc.WithStdout(cfg.Stdout)
	}
	if cfg.Stderr != nil {
		mc = mc.WithStderr(cfg.Stderr)
	}
	if cfg.FS != nil {
		mc = mc.WithFSConfig(wazero.NewFSConfig().WithFSMount(cfg.FS, "/"))
	}

	mod, err := s.runtime.InstantiateModule(ctx, compiled, mc)
	if err != nil {
		return nil, classifyInstantiateError(err)
	}
	return &wazeroInstance{mod: mod}, nil
}

// link instantiates the host side of imports into the store runtime. A store
// links one import object; later instantiations must reuse it.
func (s *wazeroStore) link(ctx context.Context, imports *Imports) error {
	if s.linked != nil {
		if s.linked != imports {
			return errors.Unsupported(errors.PhaseLinking, "store already linked against another import object")
		}
		return nil
	}

	for _, ns := range imports.Builtins() {
		if ns != WASIPreview1 {
			return errors.Unsupported(errors.PhaseLinking, fmt.Sprintf("unknown builtin namespace %q", ns))
		}
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, s.runtime); err != nil {
			return errors.Instantiation(fmt.Errorf("instantiate %s: %w", ns, err))
		}
	}

	for _, ns := range imports.FuncNamespaces() {
		if imports.IsBuiltin(ns) || len(imports.Memories(ns)) > 0 {
			return errors.Unsupported(errors.PhaseLinking, fmt.Sprintf("namespace %q mixes host functions with other definitions", ns))
		}
		builder := s.runtime.NewHostModuleBuilder(ns)
		for name, fn := range imports.Funcs(ns) {
			builder = builder.NewFunctionBuilder().
				WithGoModuleFunction(trampoline(fn), valueTypes(fn.Params), valueTypes(fn.Results)).
				Export(name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Instantiation(fmt.Errorf("instantiate host module %s: %w", ns, err))
		}
	}

	for _, ns := range imports.MemoryNamespaces() {
		mems := imports.Memories(ns)
		if len(mems) != 1 {
			return errors.Unsupported(errors.PhaseLinking, fmt.Sprintf("namespace %q defines %d memories", ns, len(mems)))
		}
		for name, mem := range mems {
			bin := memoryModule(name, mem.Type())
			if _, err := s.runtime.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(ns)); err != nil {
				return errors.Instantiation(fmt.Errorf("provision memory %s.%s: %w", ns, name, err))
			}
		}
	}

	s.linked = imports
	return nil
}

// Close implements Store.
func (s *wazeroStore) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

func valueTypes(in []ValueType) []api.ValueType {
	out := make([]api.ValueType, len(in))
	for i, v := range in {
		out[i] = api.ValueType(v)
	}
	return out
}

func trampoline(fn HostFunc) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		err := fn.Fn(ctx, &wazeroCaller{mod: mod}, stack)
		if err == nil {
			return
		}
		if code, ok := errors.AsExit(err); ok {
			_ = mod.CloseWithExitCode(ctx, code)
			panic(sys.NewExitError(code))
		}
		panic(err)
	}
}

type wazeroCaller struct {
	mod api.Module
}

func (c *wazeroCaller) Memory() Memory {
	mem := c.mod.Memory()
	if mem == nil {
		return nil
	}
	return mem
}

// classifyInstantiateError maps wazero instantiation failures onto error kinds.
// wazero reports these conditions only through its messages.
func classifyInstantiateError(err error) error {
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		return errors.Exit(exit.ExitCode())
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "start function"):
		return errors.StartTrap(err)
	case strings.Contains(msg, "out of bounds"),
		strings.Contains(msg, "data["),
		strings.Contains(msg, "elem["):
		return errors.LinkTrap(err)
	case strings.Contains(msg, "not instantiated"),
		strings.Contains(msg, "not exported"),
		strings.Contains(msg, "import "):
		return errors.New(errors.PhaseLinking, errors.KindLink).Detail("link failed").Cause(err).Build()
	}
	return errors.Instantiation(err)
}

type wazeroInstance struct {
	mod api.Module
}

func (i *wazeroInstance) ExportedFunction(name string) Function {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	return &wazeroFunction{fn: fn}
}

func (i *wazeroInstance) ExportedGlobal(name string) Global {
	g := i.mod.ExportedGlobal(name)
	if g == nil {
		return nil
	}
	return g
}

func (i *wazeroInstance) Memory() Memory {
	mem := i.mod.Memory()
	if mem == nil {
		return nil
	}
	return mem
}

func (i *wazeroInstance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

type wazeroFunction struct {
	fn api.Function
}

func (f *wazeroFunction) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	res, err := f.fn.Call(ctx, params...)
	if err != nil {
		var exit *sys.ExitError
		if stderrors.As(err, &exit) {
			return nil, errors.Exit(exit.ExitCode())
		}
		return nil, err
	}
	return res, nil
}

// WazeroTaskManager provisions memory for wazero stores.
type WazeroTaskManager struct {
	threads bool
}

type memoryProvision struct {
	ty MemoryType
}

func (m *memoryProvision) Type() MemoryType { return m.ty }

// BuildMemory implements TaskManager.
func (t *WazeroTaskManager) BuildMemory(_ context.Context, spawn SpawnType) (Provision, error) {
	switch spawn.Kind {
	case SpawnCreate:
		return nil, nil
	case SpawnCreateWithType:
		if spawn.Type.Shared && !t.threads {
			return nil, errors.Unsupported(errors.PhaseInstantiate, "shared memory requires the threads feature")
		}
		return &memoryProvision{ty: spawn.Type}, nil
	case SpawnUseExisting:
		return nil, errors.Unsupported(errors.PhaseInstantiate, "wazero cannot import an existing memory instance")
	}
	return nil, errors.InvalidInput(errors.PhaseInstantiate, fmt.Sprintf("unknown spawn kind %d", spawn.Kind))
}
