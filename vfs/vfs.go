// Package vfs gives a guest database engine positional file access on the
// host through small integer descriptors.
//
// The engine never sees *os.File values. It receives a descriptor from Open
// and echoes it back on every later call. Descriptor 0 means "no file".
package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
)

// Open flag bits as passed by the engine.
const (
	OpenReadOnly  = 1
	OpenReadWrite = 2
	OpenCreate    = 4
)

// Access flag values as passed by the engine.
const (
	AccessExists    = 0
	AccessReadWrite = 1
	AccessRead      = 2
)

var ErrBadDescriptor = errors.New("bad file descriptor")

// FS is a descriptor table over host files.
type FS struct {
	root string

	mu    sync.Mutex
	next  uint32
	files map[uint32]*os.File
}

// Option configures an FS.
type Option func(*FS)

// WithRoot resolves relative engine paths against dir.
func WithRoot(dir string) Option {
	return func(fs *FS) {
		fs.root = dir
	}
}

// New returns an empty descriptor table.
func New(opts ...Option) *FS {
	fs := &FS{files: make(map[uint32]*os.File)}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// Path returns the host path for an engine path.
func (fs *FS) Path(name string) string {
	if fs.root == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(fs.root, name)
}

// OSFlags maps engine open flags to os.OpenFile flags. Read-write wins over
// read-only when both bits are set.
func OSFlags(flags int) int {
	var f int
	switch {
	case flags&OpenReadWrite != 0:
		f = os.O_RDWR
	default:
		f = os.O_RDONLY
	}
	if flags&OpenCreate != 0 {
		f |= os.O_CREATE
	}
	return f
}

// Access reports whether name satisfies the access check. It never fails;
// any error is reported as false.
func (fs *FS) Access(name string, flags int) bool {
	path := fs.Path(name)
	switch flags {
	case AccessReadWrite:
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return false
		}
		f.Close()
		return true
	case AccessRead:
		f, err := os.Open(path)
		if err != nil {
			return false
		}
		f.Close()
		return true
	default:
		_, err := os.Stat(path)
		return err == nil
	}
}

// Open opens name and returns its descriptor, or 0 on failure.
func (fs *FS) Open(name string, flags int) (uint32, error) {
	f, err := os.OpenFile(fs.Path(name), OSFlags(flags), 0o644)
	if err != nil {
		return 0, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.next++
	if fs.next == 0 {
		fs.next = 1
	}
	fd := fs.next
	fs.files[fd] = f
	return fd, nil
}

func (fs *FS) file(fd uint32) (*os.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[fd]
	if !ok {
		return nil, fmt.Errorf("vfs: fd %d: %w", fd, ErrBadDescriptor)
	}
	return f, nil
}

// CloseFile closes a descriptor. Unknown descriptors are an error.
func (fs *FS) CloseFile(fd uint32) error {
	fs.mu.Lock()
	f, ok := fs.files[fd]
	delete(fs.files, fd)
	fs.mu.Unlock()
	if !ok {
		return fmt.Errorf("vfs: fd %d: %w", fd, ErrBadDescriptor)
	}
	return f.Close()
}

// Delete removes name.
func (fs *FS) Delete(name string) error {
	return os.Remove(fs.Path(name))
}

// ReadAt reads into p from off. A read past the end of the file returns the
// bytes that were available and a nil error.
func (fs *FS) ReadAt(fd uint32, p []byte, off int64) (int, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// WriteAt writes p at off.
func (fs *FS) WriteAt(fd uint32, p []byte, off int64) (int, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	return f.WriteAt(p, off)
}

// Truncate changes the size of the file.
func (fs *FS) Truncate(fd uint32, size int64) error {
	f, err := fs.file(fd)
	if err != nil {
		return err
	}
	return f.Truncate(size)
}

// Size returns the size of the file in bytes.
func (fs *FS) Size(fd uint32) (int64, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Len returns the number of open descriptors.
func (fs *FS) Len() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.files)
}

// Close closes every descriptor still open.
func (fs *FS) Close() error {
	fs.mu.Lock()
	files := fs.files
	fs.files = make(map[uint32]*os.File)
	fs.mu.Unlock()

	var err error
	for _, f := range files {
		err = multierr.Append(err, f.Close())
	}
	return err
}
