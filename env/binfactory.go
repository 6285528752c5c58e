package env

import (
	"sort"
	"sync"

	"github.com/wippyai/wasix/registry"
)

// BinFactory maps sandbox executable paths such as /bin/ls to the package
// descriptor that provides them. It is shared between an environment and its
// forks.
type BinFactory struct {
	commands map[string]*registry.Package
	mu       sync.RWMutex
}

// NewBinFactory creates an empty command table.
func NewBinFactory() *BinFactory {
	return &BinFactory{commands: make(map[string]*registry.Package)}
}

// Set records pkg as the provider of path.
func (b *BinFactory) Set(path string, pkg *registry.Package) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[path] = pkg
}

// Get looks up the provider of path.
func (b *BinFactory) Get(path string) (*registry.Package, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pkg, ok := b.commands[path]
	return pkg, ok
}

// Paths returns the registered executable paths, sorted.
func (b *BinFactory) Paths() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.commands))
	for p := range b.commands {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered executables.
func (b *BinFactory) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.commands)
}
