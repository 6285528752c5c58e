package registry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Command is an executable bundled in a package. Atom holds the wasm bytes
// and is shared, never copied, between descriptors of the same package.
type Command struct {
	Name string
	Atom []byte
}

// Package is a fetched dependency package.
type Package struct {
	// FS is the content overlaid onto a sandbox root; nil means none.
	FS       afero.Fs
	Name     string
	Version  string
	Entry    string
	Uses     []string
	Commands []Command

	hash     string
	hashOnce sync.Once
}

// Ref returns name@version.
func (p *Package) Ref() string {
	return p.Name + "@" + p.Version
}

// Hash returns a content hash over identity, dependencies, command atoms and
// the bundled filesystem. It is computed once; LoadDir computes it while
// loading.
func (p *Package) Hash() string {
	p.hashOnce.Do(func() {
		h := sha256.New()
		field := func(b []byte) {
			var n [8]byte
			binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
			h.Write(n[:])
			h.Write(b)
		}
		field([]byte(p.Name))
		field([]byte(p.Version))
		field([]byte(p.Entry))
		for _, u := range p.Uses {
			field([]byte(u))
		}
		for _, c := range p.Commands {
			field([]byte(c.Name))
			field(c.Atom)
		}
		if p.FS != nil {
			digest, err := FSDigest(p.FS)
			if err != nil {
				digest = "error: " + err.Error()
			}
			field([]byte(digest))
		}
		p.hash = hex.EncodeToString(h.Sum(nil))
	})
	return p.hash
}

// FSDigest hashes every path and file body under the root of fsys in lexical
// order.
func FSDigest(fsys afero.Fs) (string, error) {
	h := sha256.New()
	field := func(b []byte) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	err := afero.Walk(fsys, "/", func(name string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			field([]byte(name + "/"))
			return nil
		}
		body, err := afero.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		field([]byte(name))
		field(body)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Command looks up a bundled command by name.
func (p *Package) Command(name string) (Command, bool) {
	for _, c := range p.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// EntryAtom returns the wasm bytes of the entry command.
func (p *Package) EntryAtom() ([]byte, bool) {
	if p.Entry == "" {
		return nil, false
	}
	c, ok := p.Command(p.Entry)
	return c.Atom, ok
}

// WithEntry returns a descriptor of the same package whose entry point is
// command name. Filesystem, dependencies and atoms are shared.
func (p *Package) WithEntry(name string) *Package {
	return &Package{
		FS:       p.FS,
		Name:     p.Name,
		Version:  p.Version,
		Entry:    name,
		Uses:     p.Uses,
		Commands: p.Commands,
	}
}

// Source fetches packages by name. name is a reference without tag, such as
// "dash" or "dash@1.0.0"; cacheDir is scratch space the source may use.
type Source interface {
	Fetch(ctx context.Context, name, cacheDir string) (*Package, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, name, cacheDir string) (*Package, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, name, cacheDir string) (*Package, error) {
	return f(ctx, name, cacheDir)
}

// Ref is a parsed package reference: name[@version][:tag].
type Ref struct {
	Name    string
	Version string
	Tag     string
}

// ParseRef parses a package reference.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	var r Ref
	if i := strings.IndexByte(s, ':'); i >= 0 {
		r.Tag = s[i+1:]
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		r.Version = s[i+1:]
		s = s[:i]
		if r.Version == "" {
			return Ref{}, fmt.Errorf("package reference %q: empty version", s)
		}
	}
	if s == "" {
		return Ref{}, fmt.Errorf("package reference: empty name")
	}
	r.Name = s
	return r, nil
}

func (r Ref) String() string {
	s := r.Name
	if r.Version != "" {
		s += "@" + r.Version
	}
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	return s
}

// FetchName returns the part of ref a source is asked for: everything before
// the first ':'.
func FetchName(ref string) string {
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		return ref[:i]
	}
	return ref
}
