// Package wasix provides an OS-like execution environment for sandboxed WebAssembly guests.
//
// Guest modules get POSIX-like process semantics (process and thread identities, fork,
// signals and exit codes) on top of a pluggable WebAssembly engine, plus a multi-tier cache
// of compiled modules and dependency packages so that repeated instantiation stays cheap.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	wasix/               Root package with the Clock capability and exit codes
//	├── engine/          Engine capabilities and the wazero adapter
//	├── cache/           Compiled module tiers and TTL package cache
//	├── task/            Control plane: processes, threads, handles, signal queues
//	├── env/             Environment lifecycle, instantiation, signals, dependencies
//	├── registry/        Packages and package sources (directory, HTTP)
//	├── vfs/             Sandboxed filesystem and open file table
//	├── config/          TOML configuration
//	├── errors/          Structured error types
//	└── cmd/wasix/       Command-line runner
//
// # Quick Start
//
//	eng, err := engine.NewWazeroEngine(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	rt, err := env.NewRuntime(env.RuntimeConfig{
//	    Engine:      eng,
//	    ModuleCache: cache.NewModuleCache("", true),
//	    Source:      &registry.DirSource{Root: "./packages"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	proc, err := rt.Spawn(ctx, env.SpawnConfig{Wasm: wasmBytes, Uses: []string{"coreutils"}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	code, err := proc.Wait(ctx)
//
// # Thread Safety
//
// Runtime, ModuleCache, PackageCache and the control plane are safe for concurrent use.
// A cache View and an Env belong to a single goroutine at a time.
package wasix
