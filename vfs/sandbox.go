package vfs

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"

	"github.com/spf13/afero"
)

// Sandbox is an in-memory root filesystem with read-only entries.
type Sandbox struct {
	fs       afero.Fs
	readOnly map[string]struct{}
	mu       sync.RWMutex
}

// NewSandbox creates an empty sandbox containing only "/".
func NewSandbox() *Sandbox {
	return &Sandbox{
		fs:       afero.NewMemMapFs(),
		readOnly: make(map[string]struct{}),
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// CreateDir creates path and any missing parents.
func (s *Sandbox) CreateDir(p string) error {
	return s.fs.MkdirAll(clean(p), 0o755)
}

// Union copies every entry of other into the sandbox. Existing files are
// kept; directories are merged.
func (s *Sandbox) Union(other afero.Fs) error {
	if other == nil {
		return nil
	}
	return afero.Walk(other, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		dst := clean(p)
		if info.IsDir() {
			return s.fs.MkdirAll(dst, 0o755)
		}
		if ok, err := afero.Exists(s.fs, dst); err != nil || ok {
			return err
		}
		data, err := afero.ReadFile(other, p)
		if err != nil {
			return fmt.Errorf("union %s: %w", p, err)
		}
		return afero.WriteFile(s.fs, dst, data, info.Mode().Perm())
	})
}

// InsertReadOnlyFile adds a file that guests and later writes cannot replace.
// It fails with fs.ErrExist when a read-only file already occupies p.
func (s *Sandbox) InsertReadOnlyFile(p string, data []byte) error {
	p = clean(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.readOnly[p]; ok {
		return &fs.PathError{Op: "insert", Path: p, Err: fs.ErrExist}
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, p, data, 0o555); err != nil {
		return err
	}
	s.readOnly[p] = struct{}{}
	return nil
}

// WriteFile writes a regular file, refusing read-only entries.
func (s *Sandbox) WriteFile(p string, data []byte) error {
	p = clean(p)

	s.mu.RLock()
	_, ro := s.readOnly[p]
	s.mu.RUnlock()
	if ro {
		return &fs.PathError{Op: "write", Path: p, Err: fs.ErrPermission}
	}

	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, p, data, 0o644)
}

// ReadFile returns the contents of p.
func (s *Sandbox) ReadFile(p string) ([]byte, error) {
	return afero.ReadFile(s.fs, clean(p))
}

// Exists reports whether p exists.
func (s *Sandbox) Exists(p string) bool {
	ok, _ := afero.Exists(s.fs, clean(p))
	return ok
}

// IsReadOnly reports whether p was inserted read-only.
func (s *Sandbox) IsReadOnly(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.readOnly[clean(p)]
	return ok
}

// ReadDir lists the names in directory p.
func (s *Sandbox) ReadDir(p string) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, clean(p))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, nil
}

// Fs exposes the backing filesystem.
func (s *Sandbox) Fs() afero.Fs {
	return s.fs
}
