// Package engine defines the capabilities the environment needs from a
// WebAssembly engine, and implements them on top of wazero.
//
// # Capabilities
//
//	Engine      - compiles, serializes and deserializes artifacts; creates stores
//	Artifact    - immutable compiled module with import/export metadata
//	Store       - execution context; instantiates artifacts against Imports
//	Imports     - host functions, builtin namespaces and provisioned memories
//	TaskManager - provisions memory ahead of linking
//
// Imports are bound to the store they were built for. Instantiating against a
// different store fails with a store mismatch before any guest code runs.
//
// # Instantiation Checks
//
// Store.Instantiate rejects, in order:
//
//  1. imports built for another store
//  2. artifacts compiled for CPU features the host lacks
//  3. unsatisfied imports, naming the first missing module.name
//
// Failures while initializing data or element segments surface as link traps;
// a trapping start section surfaces as a start trap.
//
// # wazero Notes
//
// Each store is a separate wazero runtime sharing one compilation cache.
// wazero does not expose native code, so serialized artifacts carry the
// validated binary and recompile through the cache on load.
//
// Imported memories are provisioned by instantiating a small module that
// defines and exports the memory under the import's namespace. Sharing an
// existing memory instance between stores is not supported.
//
// Host functions may return errors.Exit to terminate the guest with a code.
package engine
