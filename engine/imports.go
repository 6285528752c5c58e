package engine

import (
	"sort"
)

// Imports is an import object: host functions, engine builtin namespaces and
// provisioned memories, bound to the store it was built against.
type Imports struct {
	store     Store
	funcs     map[string]map[string]HostFunc
	memories  map[string]map[string]Provision
	builtins  map[string]struct{}
	callbacks []func(Instance) error
}

// NewImports creates an empty import object for store.
func NewImports(store Store) *Imports {
	return &Imports{
		store:    store,
		funcs:    make(map[string]map[string]HostFunc),
		memories: make(map[string]map[string]Provision),
		builtins: make(map[string]struct{}),
	}
}

// Store returns the execution context the imports were built against.
func (i *Imports) Store() Store {
	return i.store
}

// DefineFunc adds or replaces a host function.
func (i *Imports) DefineFunc(module, name string, fn HostFunc) {
	ns, ok := i.funcs[module]
	if !ok {
		ns = make(map[string]HostFunc)
		i.funcs[module] = ns
	}
	ns[name] = fn
}

// DefineBuiltin marks a namespace as implemented by the engine itself.
func (i *Imports) DefineBuiltin(module string) {
	i.builtins[module] = struct{}{}
}

// DefineMemory adds a provisioned memory under module.name.
func (i *Imports) DefineMemory(module, name string, mem Provision) {
	ns, ok := i.memories[module]
	if !ok {
		ns = make(map[string]Provision)
		i.memories[module] = ns
	}
	ns[name] = mem
}

// Func looks up a host function.
func (i *Imports) Func(module, name string) (HostFunc, bool) {
	fn, ok := i.funcs[module][name]
	return fn, ok
}

// Memory looks up a provisioned memory.
func (i *Imports) Memory(module, name string) (Provision, bool) {
	mem, ok := i.memories[module][name]
	return mem, ok
}

// IsBuiltin reports whether module is provided by the engine.
func (i *Imports) IsBuiltin(module string) bool {
	_, ok := i.builtins[module]
	return ok
}

// Satisfies reports whether the import object can satisfy def.
// Builtin namespaces are assumed to satisfy every function import.
func (i *Imports) Satisfies(def ImportDef) bool {
	switch def.Kind {
	case ExternFunc:
		if i.IsBuiltin(def.Module) {
			return true
		}
		_, ok := i.Func(def.Module, def.Name)
		return ok
	case ExternMemory:
		_, ok := i.Memory(def.Module, def.Name)
		return ok
	}
	return false
}

// Unsatisfied returns the imports of a that the object cannot satisfy, in declaration order.
func (i *Imports) Unsatisfied(a Artifact) []ImportDef {
	var missing []ImportDef
	for _, def := range a.Imports() {
		if !i.Satisfies(def) {
			missing = append(missing, def)
		}
	}
	return missing
}

// FuncNamespaces returns namespaces with host functions, sorted.
func (i *Imports) FuncNamespaces() []string {
	names := make([]string, 0, len(i.funcs))
	for ns := range i.funcs {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Funcs returns the host functions in namespace module, keyed by name.
func (i *Imports) Funcs(module string) map[string]HostFunc {
	return i.funcs[module]
}

// Builtins returns engine builtin namespaces, sorted.
func (i *Imports) Builtins() []string {
	names := make([]string, 0, len(i.builtins))
	for ns := range i.builtins {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// MemoryNamespaces returns namespaces with provisioned memories, sorted.
func (i *Imports) MemoryNamespaces() []string {
	names := make([]string, 0, len(i.memories))
	for ns := range i.memories {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Memories returns the provisioned memories in namespace module, keyed by name.
func (i *Imports) Memories(module string) map[string]Provision {
	return i.memories[module]
}

// OnInstantiate registers a low-level initializer run right after linking.
func (i *Imports) OnInstantiate(fn func(Instance) error) {
	i.callbacks = append(i.callbacks, fn)
}

// RunInitializers runs registered initializers in registration order, stopping at the first error.
func (i *Imports) RunInitializers(inst Instance) error {
	for _, fn := range i.callbacks {
		if err := fn(inst); err != nil {
			return err
		}
	}
	return nil
}
