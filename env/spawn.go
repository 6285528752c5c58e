package env

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/cache"
	"github.com/wippyai/wasix/engine"
	"github.com/wippyai/wasix/errors"
	"github.com/wippyai/wasix/registry"
	"github.com/wippyai/wasix/task"
	"github.com/wippyai/wasix/vfs"
)

// SpawnConfig describes a process to start.
type SpawnConfig struct {
	// Wasm is compiled through the module cache unless Artifact is set.
	Wasm     []byte
	Artifact engine.Artifact
	View     *cache.View

	Args   []string
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Root defaults to a fresh sandbox.
	Root *vfs.Root

	Uses         []string
	MapCommands  map[string]string
	Capabilities Capabilities
	Bins         *BinFactory
}

// Spawned is a running guest process.
type Spawned struct {
	env   *Env
	store engine.Store
	done  chan struct{}
	code  uint32
	err   error
}

// Spawn instantiates a module in a new store and runs its _start export on a
// new goroutine.
func (r *Runtime) Spawn(ctx context.Context, cfg SpawnConfig) (*Spawned, error) {
	a := cfg.Artifact
	if a == nil {
		var err error
		if a, err = r.LoadModule(ctx, cfg.View, cfg.Wasm); err != nil {
			return nil, err
		}
	}

	store, err := r.engine.NewStore(ctx)
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	state := NewState(cfg.Args...)
	if cfg.Root != nil {
		state.Root = *cfg.Root
		state.Files = vfs.NewFileTable(cfg.Root.Fs())
	}
	if cfg.Env != nil {
		state.Env = cfg.Env
	}
	state.Stdin, state.Stdout, state.Stderr = cfg.Stdin, cfg.Stdout, cfg.Stderr

	e, err := Instantiate(ctx, store, a, Init{
		Runtime:        r,
		State:          state,
		Bins:           cfg.Bins,
		Capabilities:   cfg.Capabilities,
		Uses:           cfg.Uses,
		MapCommands:    cfg.MapCommands,
		CallInitialize: true,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	s := &Spawned{env: e, store: store, done: make(chan struct{})}
	go s.run(context.WithoutCancel(ctx))
	return s, nil
}

func (s *Spawned) run(ctx context.Context) {
	defer close(s.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A forced exit of the process aborts the guest.
	go func() {
		if _, err := s.env.process.Join(runCtx); err == nil {
			cancel()
		}
	}()

	code, err := s.env.Start(runCtx)
	s.env.Cleanup(code)
	if final, ok := s.env.process.TryJoin(); ok {
		code = final
	}
	s.code, s.err = code, err

	if cerr := s.store.Close(context.WithoutCancel(ctx)); cerr != nil {
		s.env.log.Debug("close store", zap.Error(cerr))
	}
}

// Env returns the environment of the main thread.
func (s *Spawned) Env() *Env {
	return s.env
}

// Done is closed once the process has exited and its resources are released.
func (s *Spawned) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the process exits and returns its exit code. A guest
// trap is returned as an error alongside the exit code.
func (s *Spawned) Wait(ctx context.Context) (uint32, error) {
	select {
	case <-s.done:
		return s.code, s.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill terminates the process with code. The guest is aborted at its next
// safepoint or instruction boundary check.
func (s *Spawned) Kill(code uint32) {
	s.env.process.Terminate(code)
}

// Interrupt queues sig for every thread of the process. A fatal signal ends a
// process that has no registered handler with wasix.ExitInterrupted at once,
// without waiting for the guest to reach a safepoint. With a handler the guest
// gets grace to exit on its own before it is killed; grace <= 0 never kills.
func (s *Spawned) Interrupt(sig task.Signal, grace time.Duration) {
	s.env.process.Signal(sig)
	if !sig.Fatal() {
		return
	}
	if _, ok := s.env.handler(); !ok {
		s.env.log.Debug("fatal signal without handler", zap.Stringer("signal", sig))
		s.Kill(wasix.ExitInterrupted)
		return
	}
	if grace <= 0 {
		return
	}
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-s.done:
		case <-t.C:
			s.env.log.Debug("guest ignored signal, killing", zap.Stringer("signal", sig))
			s.Kill(wasix.ExitInterrupted)
		}
	}()
}

// Start runs the _start export to completion and returns the exit code. A
// module without _start is a reactor and exits with wasix.ExitSuccess.
func (e *Env) Start(ctx context.Context) (uint32, error) {
	if e.inner == nil || e.inner.Instance == nil {
		return wasix.ExitNoExec, errors.NotInitialized(errors.PhaseRuntime, "instance")
	}
	if code, ok := e.ShouldExit(); ok {
		return code, nil
	}
	e.thread.SetRunning()
	if e.inner.Start == nil {
		return wasix.ExitSuccess, nil
	}

	_, err := e.inner.Start.Call(ctx)
	if code, ok := e.ShouldExit(); ok {
		return code, nil
	}
	if err == nil {
		return wasix.ExitSuccess, nil
	}
	if code, ok := errors.AsExit(err); ok {
		return code, nil
	}
	return wasix.ExitCanceled, errors.Trap(ExportStart, err)
}

// SpawnCommand resolves ref, written name[@version][:command], and runs the
// named command or the package entry. The package and its dependencies are
// installed into the new process's sandbox first.
func (r *Runtime) SpawnCommand(ctx context.Context, ref string, cfg SpawnConfig) (*Spawned, error) {
	parsed, err := registry.ParseRef(ref)
	if err != nil {
		return nil, errors.InvalidInput(errors.PhaseResolve, err.Error())
	}
	base := registry.FetchName(ref)
	pkg, err := r.Package(ctx, base)
	if err != nil {
		return nil, errors.Fetch(base, err)
	}

	command := parsed.Tag
	if command == "" {
		command = pkg.Entry
	}
	if command == "" {
		return nil, errors.NotFound(errors.PhaseResolve, "entry command of package", pkg.Ref())
	}
	cmd, ok := pkg.Command(command)
	if !ok {
		return nil, errors.NotFound(errors.PhaseResolve, "command", command)
	}

	cfg.Wasm, cfg.Artifact = cmd.Atom, nil
	cfg.Uses = append([]string{base}, cfg.Uses...)
	if len(cfg.Args) == 0 {
		cfg.Args = []string{command}
	}
	return r.Spawn(ctx, cfg)
}

// SpawnBin runs the executable at path in a child process sharing this
// environment's root filesystem and command table. Commands installed from
// packages run their package entry; other files are read from the sandbox.
func (e *Env) SpawnBin(ctx context.Context, path string, cfg SpawnConfig) (*Spawned, error) {
	var wasm []byte
	if pkg, ok := e.bins.Get(path); ok {
		atom, ok := pkg.EntryAtom()
		if !ok {
			return nil, errors.NotFound(errors.PhaseResolve, "entry of", path)
		}
		wasm = atom
	} else if sb, ok := e.state.Root.Sandbox(); ok && sb.Exists(path) {
		data, err := sb.ReadFile(path)
		if err != nil {
			return nil, errors.IO(errors.PhaseResolve, "read "+path, err)
		}
		wasm = data
	} else {
		return nil, errors.NotFound(errors.PhaseResolve, "command", path)
	}

	root := e.state.Root
	cfg.Wasm, cfg.Artifact = wasm, nil
	cfg.Root = &root
	cfg.Bins = e.bins
	if len(cfg.Args) == 0 {
		cfg.Args = []string{path}
	}
	if cfg.Stdout == nil {
		cfg.Stdout, cfg.Stderr = e.state.Stdout, e.state.Stderr
	}
	return e.runtime.Spawn(ctx, cfg)
}
