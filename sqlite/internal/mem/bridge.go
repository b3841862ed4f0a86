// Package mem moves bytes and strings across the boundary between the host
// and a guest module's linear memory.
//
// The guest owns its memory. Every operation asks the module for a fresh
// memory view, because any call into the guest may grow the memory and
// invalidate views taken before it. Slices returned to callers are copies.
package mem

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/otelwasm/wasmsqlite/runtime"
)

const (
	exportMalloc = "malloc"
	exportFree   = "free"

	// cstringChunk is how many bytes CString inspects per read while
	// looking for the terminating NUL.
	cstringChunk = 256
)

var (
	ErrOutOfRange = errors.New("memory access out of range")
	ErrAllocation = errors.New("guest allocation failed")
	ErrNoMemory   = errors.New("guest does not export memory")
)

// Module is the part of a module instance the bridge depends on.
type Module interface {
	Function(name string) runtime.FunctionInstance
	Memory() runtime.Memory
}

// Bridge allocates in, frees in, reads from and writes to a guest module.
type Bridge struct {
	mod    Module
	malloc runtime.FunctionInstance
	free   runtime.FunctionInstance
}

// New returns a Bridge for mod, which must export malloc and free.
func New(mod Module) (*Bridge, error) {
	b := &Bridge{
		mod:    mod,
		malloc: mod.Function(exportMalloc),
		free:   mod.Function(exportFree),
	}
	if b.malloc == nil {
		return nil, fmt.Errorf("mem: %s is not exported: %w", exportMalloc, runtime.ErrFunctionNotExported)
	}
	if b.free == nil {
		return nil, fmt.Errorf("mem: %s is not exported: %w", exportFree, runtime.ErrFunctionNotExported)
	}
	return b, nil
}

func (b *Bridge) memory() (runtime.Memory, error) {
	m := b.mod.Memory()
	if m == nil {
		return nil, ErrNoMemory
	}
	return m, nil
}

// Malloc allocates size bytes in the guest. A zero size is rounded up to one
// byte so that empty payloads still get a non-null address.
func (b *Bridge) Malloc(ctx context.Context, size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	res, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("mem: malloc(%d): %w", size, err)
	}
	if len(res) == 0 || uint32(res[0]) == 0 {
		return 0, fmt.Errorf("mem: malloc(%d) returned null: %w", size, ErrAllocation)
	}
	return uint32(res[0]), nil
}

// Free releases a guest allocation. Freeing the null address is a no-op.
func (b *Bridge) Free(ctx context.Context, ptr uint32) error {
	if ptr == 0 {
		return nil
	}
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("mem: free(%#x): %w", ptr, err)
	}
	return nil
}

// Read copies n bytes starting at ptr.
func (b *Bridge) Read(ptr, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	m, err := b.memory()
	if err != nil {
		return nil, err
	}
	buf, ok := m.Read(ptr, n)
	if !ok {
		return nil, fmt.Errorf("mem: read %d bytes at %#x: %w", n, ptr, ErrOutOfRange)
	}
	return bytes.Clone(buf), nil
}

// Write copies data into guest memory at ptr.
func (b *Bridge) Write(ptr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	m, err := b.memory()
	if err != nil {
		return err
	}
	if !m.Write(ptr, data) {
		return fmt.Errorf("mem: write %d bytes at %#x: %w", len(data), ptr, ErrOutOfRange)
	}
	return nil
}

// String decodes n bytes at ptr as text. A null pointer decodes to "".
func (b *Bridge) String(ptr, n uint32) (string, error) {
	if ptr == 0 || n == 0 {
		return "", nil
	}
	buf, err := b.Read(ptr, n)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// CString decodes the NUL-terminated string at ptr. A null pointer decodes
// to "".
func (b *Bridge) CString(ptr uint32) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	m, err := b.memory()
	if err != nil {
		return "", err
	}
	size := m.Size()
	if ptr >= size {
		return "", fmt.Errorf("mem: cstring at %#x: %w", ptr, ErrOutOfRange)
	}
	var out []byte
	for off := ptr; off < size; {
		n := min(uint32(cstringChunk), size-off)
		chunk, ok := m.Read(off, n)
		if !ok {
			return "", fmt.Errorf("mem: cstring at %#x: %w", ptr, ErrOutOfRange)
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			out = append(out, chunk[:i]...)
			return string(out), nil
		}
		out = append(out, chunk...)
		off += n
	}
	return "", fmt.Errorf("mem: unterminated cstring at %#x: %w", ptr, ErrOutOfRange)
}

// Uint32 reads a little-endian word at ptr.
func (b *Bridge) Uint32(ptr uint32) (uint32, error) {
	m, err := b.memory()
	if err != nil {
		return 0, err
	}
	v, ok := m.ReadUint32Le(ptr)
	if !ok {
		return 0, fmt.Errorf("mem: read word at %#x: %w", ptr, ErrOutOfRange)
	}
	return v, nil
}

// PutUint32 writes a little-endian word at ptr.
func (b *Bridge) PutUint32(ptr, v uint32) error {
	m, err := b.memory()
	if err != nil {
		return err
	}
	if !m.WriteUint32Le(ptr, v) {
		return fmt.Errorf("mem: write word at %#x: %w", ptr, ErrOutOfRange)
	}
	return nil
}

// Uint32s reads n consecutive little-endian words starting at ptr.
func (b *Bridge) Uint32s(ptr, n uint32) ([]uint32, error) {
	m, err := b.memory()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		v, ok := m.ReadUint32Le(ptr + uint32(i)*4)
		if !ok {
			return nil, fmt.Errorf("mem: read word %d at %#x: %w", i, ptr, ErrOutOfRange)
		}
		out[i] = v
	}
	return out, nil
}

// WithBytes copies data into a fresh guest allocation, calls fn with its
// address and length, and frees the allocation when fn returns or panics.
func (b *Bridge) WithBytes(ctx context.Context, data []byte, fn func(ptr, n uint32) error) (err error) {
	ptr, err := b.Malloc(ctx, uint32(len(data)))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, b.Free(ctx, ptr))
	}()
	if err := b.Write(ptr, data); err != nil {
		return err
	}
	return fn(ptr, uint32(len(data)))
}

// WithString is WithBytes for text passed with an explicit length.
func (b *Bridge) WithString(ctx context.Context, s string, fn func(ptr, n uint32) error) error {
	return b.WithBytes(ctx, []byte(s), fn)
}

// WithCString passes s to fn as a NUL-terminated string.
func (b *Bridge) WithCString(ctx context.Context, s string, fn func(ptr uint32) error) error {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return b.WithBytes(ctx, buf, func(ptr, _ uint32) error {
		return fn(ptr)
	})
}

// TakeBytes copies n bytes of a guest-owned buffer and frees it. The buffer
// is freed exactly once even when the copy fails.
func (b *Bridge) TakeBytes(ctx context.Context, ptr, n uint32) ([]byte, error) {
	if ptr == 0 {
		return []byte{}, nil
	}
	data, err := b.Read(ptr, n)
	return data, multierr.Append(err, b.Free(ctx, ptr))
}
