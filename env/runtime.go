package env

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/cache"
	"github.com/wippyai/wasix/engine"
	"github.com/wippyai/wasix/errors"
	"github.com/wippyai/wasix/registry"
	"github.com/wippyai/wasix/task"
)

// RuntimeConfig lists the capabilities a Runtime aggregates.
type RuntimeConfig struct {
	// Engine is required.
	Engine engine.Engine

	// Tasks provisions memory. Defaults to the wazero task manager when
	// Engine is a *engine.WazeroEngine.
	Tasks engine.TaskManager

	// ControlPlane defaults to an unlimited control plane.
	ControlPlane *task.ControlPlane

	// ModuleCache is optional; without it every load compiles.
	ModuleCache *cache.ModuleCache

	// PackageCache defaults to an in-memory cache with the default TTL.
	PackageCache *cache.PackageCache

	// Source resolves package references. Without it, resolving fails.
	Source registry.Source

	// Clock defaults to the monotonic clock.
	Clock wasix.Clock

	// Logger defaults to the package logger.
	Logger *zap.Logger
}

// Runtime is the set of host capabilities shared by every environment of one
// host runtime. It is passed explicitly to constructors and safe for
// concurrent use.
type Runtime struct {
	engine   engine.Engine
	tasks    engine.TaskManager
	cp       *task.ControlPlane
	modules  *cache.ModuleCache
	packages *cache.PackageCache
	source   registry.Source
	clock    wasix.Clock
	log      *zap.Logger
}

// NewRuntime validates cfg and fills in defaults.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Engine == nil {
		return nil, errors.InvalidInput(errors.PhaseConfig, "runtime requires an engine")
	}
	r := &Runtime{
		engine:   cfg.Engine,
		tasks:    cfg.Tasks,
		cp:       cfg.ControlPlane,
		modules:  cfg.ModuleCache,
		packages: cfg.PackageCache,
		source:   cfg.Source,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}
	if r.tasks == nil {
		we, ok := cfg.Engine.(*engine.WazeroEngine)
		if !ok {
			return nil, errors.InvalidInput(errors.PhaseConfig, "runtime requires a task manager")
		}
		r.tasks = we.TaskManager()
	}
	if r.cp == nil {
		r.cp = task.NewControlPlane(task.ControlPlaneConfig{})
	}
	if r.clock == nil {
		r.clock = wasix.MonotonicClock()
	}
	if r.packages == nil {
		r.packages = cache.NewPackageCache("", r.clock)
	}
	if r.log == nil {
		r.log = Logger()
	}
	return r, nil
}

// Engine returns the compiler and store factory.
func (r *Runtime) Engine() engine.Engine { return r.engine }

// Tasks returns the task manager that provisions guest memory.
func (r *Runtime) Tasks() engine.TaskManager { return r.tasks }

// ControlPlane returns the process and thread registry.
func (r *Runtime) ControlPlane() *task.ControlPlane { return r.cp }

// ModuleCache returns the compiled module cache, or nil when caching is off.
func (r *Runtime) ModuleCache() *cache.ModuleCache { return r.modules }

// PackageCache returns the dependency package cache.
func (r *Runtime) PackageCache() *cache.PackageCache { return r.packages }

// Source returns the package source, or nil when none is configured.
func (r *Runtime) Source() registry.Source { return r.source }

// Clock returns the monotonic clock used for signal intervals.
func (r *Runtime) Clock() wasix.Clock { return r.clock }

// Logger returns the runtime logger.
func (r *Runtime) Logger() *zap.Logger { return r.log }

// ModuleHash returns the content hash artifacts are cached under.
func ModuleHash(wasm []byte) string {
	sum := sha256.Sum256(wasm)
	return hex.EncodeToString(sum[:])
}

// LoadModule returns the artifact for wasm, compiling it only on a cache
// miss. view may be nil; a throwaway view of the module cache is used then.
func (r *Runtime) LoadModule(ctx context.Context, view *cache.View, wasm []byte) (engine.Artifact, error) {
	hash := ModuleHash(wasm)
	if view == nil && r.modules != nil {
		view = r.modules.NewView()
	}
	if view != nil {
		if a, ok := view.Get(ctx, r.engine, hash); ok {
			r.log.Debug("module cache hit", zap.String("hash", hash))
			return a, nil
		}
	}

	a, err := r.engine.Compile(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}
	if view != nil {
		view.Set(ctx, r.engine, hash, a)
	}
	return a, nil
}

// Package resolves a package reference through the package cache.
func (r *Runtime) Package(ctx context.Context, ref string) (*registry.Package, error) {
	if r.source == nil {
		return nil, errors.NotFound(errors.PhaseResolve, "package source for", ref)
	}
	return r.packages.Resolve(ctx, ref, r.source)
}
