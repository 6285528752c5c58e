package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// ErrClosed is returned by a FileTable after CloseAll.
var ErrClosed = errors.New("file table closed")

// FD identifies an open file. Descriptors 0-2 are stdio and never allocated.
type FD uint32

const firstFD FD = 3

// FileTable is the set of files an environment holds open.
type FileTable struct {
	fs       afero.Fs
	entries  []fileEntry
	freeList []FD
	mu       sync.RWMutex
	closed   bool
}

type fileEntry struct {
	file  afero.File
	path  string
	flag  int
	perm  os.FileMode
	valid bool
}

// NewFileTable creates an empty table opening files from fsys.
func NewFileTable(fsys afero.Fs) *FileTable {
	return &FileTable{
		fs:       fsys,
		entries:  make([]fileEntry, 0, 8),
		freeList: make([]FD, 0, 4),
	}
}

// Open opens path and returns its descriptor. Freed descriptors are reused.
func (t *FileTable) Open(path string, flag int, perm os.FileMode) (FD, error) {
	f, err := t.fs.OpenFile(path, flag, perm)
	if err != nil {
		return 0, err
	}
	fd, err := t.insert(fileEntry{file: f, path: path, flag: flag, perm: perm, valid: true})
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	return fd, nil
}

func (t *FileTable) insert(e fileEntry) (FD, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if len(t.freeList) > 0 {
		fd := t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]
		t.entries[fd-firstFD] = e
		return fd, nil
	}
	t.entries = append(t.entries, e)
	return FD(len(t.entries)-1) + firstFD, nil
}

// Get returns the file behind fd.
func (t *FileTable) Get(fd FD) (afero.File, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.lookup(fd)
	if !ok {
		return nil, false
	}
	return e.file, true
}

func (t *FileTable) lookup(fd FD) (*fileEntry, bool) {
	if fd < firstFD || int(fd-firstFD) >= len(t.entries) {
		return nil, false
	}
	e := &t.entries[fd-firstFD]
	return e, e.valid
}

// Close closes fd and frees its slot.
func (t *FileTable) Close(fd FD) error {
	t.mu.Lock()
	e, ok := t.lookup(fd)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("fd %d: %w", fd, os.ErrNotExist)
	}
	f := e.file
	*e = fileEntry{}
	t.freeList = append(t.freeList, fd)
	t.mu.Unlock()

	return f.Close()
}

// Len returns the number of open files.
func (t *FileTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries) - len(t.freeList)
}

// CloseAll closes every open file and refuses further opens. Calling it again
// is a no-op.
func (t *FileTable) CloseAll() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	entries := t.entries
	t.entries = nil
	t.freeList = nil
	t.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if !e.valid {
			continue
		}
		if err := e.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.path, err))
		}
	}
	return errors.Join(errs...)
}

// Clone reopens every file of t from fsys at the same offset, keeping the
// descriptor numbers. The clone shares no file objects with t.
func (t *FileTable) Clone(fsys afero.Fs) (*FileTable, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, ErrClosed
	}

	c := NewFileTable(fsys)
	c.entries = make([]fileEntry, len(t.entries))
	c.freeList = append(c.freeList, t.freeList...)

	for i, e := range t.entries {
		if !e.valid {
			continue
		}
		offset, err := e.file.Seek(0, io.SeekCurrent)
		if err != nil {
			_ = c.CloseAll()
			return nil, fmt.Errorf("clone %s: %w", e.path, err)
		}
		flag := e.flag &^ (os.O_CREATE | os.O_EXCL | os.O_TRUNC)
		f, err := fsys.OpenFile(e.path, flag, e.perm)
		if err != nil {
			_ = c.CloseAll()
			return nil, fmt.Errorf("clone %s: %w", e.path, err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			_ = c.CloseAll()
			return nil, fmt.Errorf("clone %s: %w", e.path, err)
		}
		c.entries[i] = fileEntry{file: f, path: e.path, flag: flag, perm: e.perm, valid: true}
	}
	return c, nil
}
