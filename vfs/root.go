package vfs

import (
	"io/fs"

	"github.com/spf13/afero"
)

// Root is the root filesystem of an environment.
type Root struct {
	fs      afero.Fs
	sandbox *Sandbox
}

// SandboxRoot roots an environment in s.
func SandboxRoot(s *Sandbox) Root {
	return Root{fs: s.Fs(), sandbox: s}
}

// HostRoot roots an environment in a host directory.
func HostRoot(dir string) Root {
	return Root{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

// Sandbox returns the sandbox when the root is sandboxed.
func (r Root) Sandbox() (*Sandbox, bool) {
	return r.sandbox, r.sandbox != nil
}

// Fs returns the filesystem, or nil for the zero Root.
func (r Root) Fs() afero.Fs {
	return r.fs
}

// IOFS returns a read-only io/fs view suitable for mounting into a guest.
func (r Root) IOFS() fs.FS {
	if r.fs == nil {
		return nil
	}
	// io/fs names are unrooted; the base path anchors them at "/".
	return afero.NewIOFS(afero.NewReadOnlyFs(afero.NewBasePathFs(r.fs, "/")))
}
