package env

import (
	"io"
	"maps"
	"slices"

	"github.com/wippyai/wasix/vfs"
)

// State is the per-process system state visible to a guest.
type State struct {
	Args   []string
	Env    map[string]string
	Cwd    string
	Root   vfs.Root
	Files  *vfs.FileTable
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewState returns a state rooted in a fresh sandbox.
func NewState(args ...string) *State {
	root := vfs.SandboxRoot(vfs.NewSandbox())
	return &State{
		Args:  args,
		Env:   make(map[string]string),
		Cwd:   "/",
		Root:  root,
		Files: vfs.NewFileTable(root.Fs()),
	}
}

// CloneForFork returns a full logical copy for a forked child. Arguments,
// environment and the open file table are copied so that no mutable buffer
// is aliased; the root filesystem and stdio streams are shared, as they are
// between a Unix parent and child.
func (s *State) CloneForFork() (*State, error) {
	c := &State{
		Args:   slices.Clone(s.Args),
		Env:    maps.Clone(s.Env),
		Cwd:    s.Cwd,
		Root:   s.Root,
		Stdin:  s.Stdin,
		Stdout: s.Stdout,
		Stderr: s.Stderr,
	}
	if s.Files != nil {
		files, err := s.Files.Clone(s.Root.Fs())
		if err != nil {
			return nil, err
		}
		c.Files = files
	}
	return c, nil
}
