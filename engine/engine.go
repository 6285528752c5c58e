package engine

import (
	"context"
	"io"
	"io/fs"
)

// ValueType is a core WebAssembly value type.
type ValueType byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

// ExternKind is the kind of an import or export.
type ExternKind byte

const (
	ExternFunc   ExternKind = 0x00
	ExternTable  ExternKind = 0x01
	ExternMemory ExternKind = 0x02
	ExternGlobal ExternKind = 0x03
)

func (k ExternKind) String() string {
	switch k {
	case ExternFunc:
		return "func"
	case ExternTable:
		return "table"
	case ExternMemory:
		return "memory"
	case ExternGlobal:
		return "global"
	}
	return "unknown"
}

// ImportDef identifies one import of a module.
type ImportDef struct {
	Module string
	Name   string
	Kind   ExternKind
}

// MemoryType describes linear memory limits in 64KiB pages.
type MemoryType struct {
	Min    uint32
	Max    uint32
	HasMax bool
	Shared bool
}

// Artifact is a compiled, engine-specific representation of a guest module.
// Artifacts are immutable and safe to share between goroutines and stores.
type Artifact interface {
	// Imports lists every import in declaration order.
	Imports() []ImportDef
	// ImportedMemory reports the type of the imported memory, if any.
	ImportedMemory() (MemoryType, bool)
	// Exports lists exported function names.
	Exports() []string
	// RequiredFeatures lists host CPU features the compiled code depends on.
	RequiredFeatures() []string
}

// Engine compiles and (de)serializes artifacts and creates execution contexts.
type Engine interface {
	// ID identifies the compiler; it is part of every artifact cache key.
	ID() string
	Compile(ctx context.Context, wasm []byte) (Artifact, error)
	Serialize(a Artifact) ([]byte, error)
	Deserialize(ctx context.Context, data []byte) (Artifact, error)
	NewStore(ctx context.Context) (Store, error)
}

// ModuleConfig carries the per-instance system configuration.
type ModuleConfig struct {
	Name   string
	Args   []string
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// FS is mounted read-only at the guest root when set.
	FS fs.FS
}

// Store is an execution context. Imports are bound to the store they were built for.
type Store interface {
	// Instantiate links the artifact against imports and constructs an instance.
	// The module's exported start function is not called.
	Instantiate(ctx context.Context, a Artifact, imports *Imports, cfg ModuleConfig) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is a live guest module.
type Instance interface {
	// ExportedFunction returns nil when the export is absent.
	ExportedFunction(name string) Function
	// ExportedGlobal returns nil when the export is absent.
	ExportedGlobal(name string) Global
	// Memory returns nil when the instance has no memory.
	Memory() Memory
	Close(ctx context.Context) error
}

// Function is an exported guest function.
type Function interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Global is an exported guest global.
type Global interface {
	Get() uint64
}

// Memory is guest linear memory.
type Memory interface {
	Size() uint32
	Read(offset, length uint32) ([]byte, bool)
	Write(offset uint32, data []byte) bool
	ReadUint32Le(offset uint32) (uint32, bool)
	WriteUint32Le(offset, v uint32) bool
	WriteUint64Le(offset uint32, v uint64) bool
}

// Caller gives host functions access to the calling instance.
type Caller interface {
	Memory() Memory
}

// HostFunc is a host function exposed to guests.
// Returning an error built by errors.Exit terminates the guest with that code;
// any other error traps.
type HostFunc struct {
	Fn      func(ctx context.Context, caller Caller, stack []uint64) error
	Params  []ValueType
	Results []ValueType
}

// SpawnKind selects how memory is provisioned for a new instance.
type SpawnKind int

const (
	// SpawnCreate lets the engine create private memory for the instance.
	SpawnCreate SpawnKind = iota
	// SpawnCreateWithType builds memory of the given type to be imported.
	SpawnCreateWithType
	// SpawnUseExisting imports an existing memory, as threads of one process do.
	SpawnUseExisting
)

// SpawnType describes the memory a TaskManager should provision.
type SpawnType struct {
	Existing Memory
	Type     MemoryType
	Kind     SpawnKind
}

// Provision is memory built ahead of linking and defined in Imports.
type Provision interface {
	Type() MemoryType
}

// TaskManager provisions resources for new guest instances.
type TaskManager interface {
	// BuildMemory returns nil with no error when the engine should create memory itself.
	BuildMemory(ctx context.Context, spawn SpawnType) (Provision, error)
}
