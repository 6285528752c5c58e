package env

import (
	"context"
	"maps"

	"go.uber.org/zap"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/engine"
	"github.com/wippyai/wasix/errors"
)

// Imported memory is bound under this name.
const (
	MemoryModule = "env"
	MemoryName   = "memory"
)

// Instantiate builds an environment for init and instantiates a in store.
//
// The steps run in order and the first failure aborts the rest:
//
//  1. resolve Uses and MapCommands into the sandbox
//  2. provision memory: the SpawnType override, else memory of exactly the
//     imported type, else engine-created memory
//  3. build host imports for every interface version, defining provisioned
//     memory as env.memory
//  4. link and construct the instance
//  5. run the initializers registered on the imports
//  6. discover the optional exports
//  7. call _initialize when requested, except on a non-main thread of a
//     process that is already initialized
//
// A failure after the environment is built runs Cleanup with
// wasix.ExitNoExec before the error is returned.
func Instantiate(ctx context.Context, store engine.Store, a engine.Artifact, init Init) (*Env, error) {
	e, err := New(init)
	if err != nil {
		return nil, err
	}
	if err := e.instantiate(ctx, store, a, init); err != nil {
		e.log.Debug("instantiation failed", zap.Error(err))
		e.Cleanup(wasix.ExitNoExec)
		return nil, err
	}
	return e, nil
}

func (e *Env) instantiate(ctx context.Context, store engine.Store, a engine.Artifact, init Init) error {
	if err := e.Uses(ctx, init.Uses); err != nil {
		return err
	}
	if len(init.MapCommands) > 0 {
		if err := e.MapCommands(init.MapCommands); err != nil {
			return err
		}
	}

	spawn := spawnTypeFor(a, init.SpawnType)
	mem, err := e.runtime.Tasks().BuildMemory(ctx, spawn)
	if err != nil {
		return err
	}

	imports := init.Imports
	if imports == nil {
		imports = engine.NewImports(store)
	}
	imports.DefineBuiltin(engine.WASIPreview1)
	e.DefineImports(imports)
	if mem != nil {
		imports.DefineMemory(MemoryModule, MemoryName, mem)
	}

	inst, err := store.Instantiate(ctx, a, imports, e.moduleConfig())
	if err != nil {
		return err
	}

	if err := imports.RunInitializers(inst); err != nil {
		_ = inst.Close(ctx)
		return errors.Instantiation(err)
	}

	e.bootstrap(inst)

	if init.CallInitialize {
		if err := e.callInitialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

func spawnTypeFor(a engine.Artifact, override *engine.SpawnType) engine.SpawnType {
	if override != nil {
		return *override
	}
	if ty, ok := a.ImportedMemory(); ok {
		return engine.SpawnType{Kind: engine.SpawnCreateWithType, Type: ty}
	}
	return engine.SpawnType{Kind: engine.SpawnCreate}
}

func (e *Env) moduleConfig() engine.ModuleConfig {
	s := e.state
	name := ""
	if len(s.Args) > 0 {
		name = s.Args[0]
	}
	return engine.ModuleConfig{
		Name:   name,
		Args:   s.Args,
		Env:    maps.Clone(s.Env),
		Stdin:  s.Stdin,
		Stdout: s.Stdout,
		Stderr: s.Stderr,
		FS:     s.Root.IOFS(),
	}
}

// bootstrap attaches the instance. A handler registered before
// instantiation stays registered.
func (e *Env) bootstrap(inst engine.Instance) {
	h := NewInstanceHandles(inst)
	if e.inner != nil {
		if fn, ok := e.inner.SignalHandler(); ok {
			h.SetSignalHandler(fn)
		}
	}
	e.inner = h
	e.thread.SetRunning()
}

func (e *Env) callInitialize(ctx context.Context) error {
	if !e.thread.IsMain() && e.process.Initialized() {
		return nil
	}
	if e.inner.Initialize == nil {
		return nil
	}
	if _, err := e.inner.Initialize.Call(ctx); err != nil {
		if _, ok := errors.AsExit(err); ok {
			return err
		}
		return errors.Trap(ExportInitialize, err)
	}
	e.process.MarkInitialized()
	return nil
}
