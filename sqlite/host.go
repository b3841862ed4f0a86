package sqlite

import (
	"context"
	"crypto/rand"
	"strings"
	"unicode/utf8"

	"github.com/ncruces/julianday"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/otelwasm/wasmsqlite/runtime"
)

const (
	// hostModuleName is the import module of the capability functions
	hostModuleName = "host"

	// Host function exports
	consoleLog   = "console_log"
	consoleError = "console_error"
	getTime      = "get_time"
	fillRandom   = "fill_random"
	fsAccess     = "fs_access"
	fsOpen       = "fs_open"
	fsClose      = "fs_close"
	fsDelete     = "fs_delete"
	fsRead       = "fs_read"
	fsWrite      = "fs_write"
	fsTruncate   = "fs_truncate"
	fsFilesize   = "fs_filesize"
)

// hostModule returns the capability functions the engine imports. None of
// them lets a failure escape: each reports a sentinel the engine maps to its
// own I/O error.
func (e *Engine) hostModule() *runtime.HostModule {
	i32, i64, f64 := runtime.I32, runtime.I64, runtime.F64
	types := runtime.Types
	return runtime.NewHostModule(hostModuleName).
		AddFunction(consoleLog, types(i32, i32), types(), e.consoleLogFn).
		AddFunction(consoleError, types(i32, i32), types(), e.consoleErrorFn).
		AddFunction(getTime, types(), types(f64), e.getTimeFn).
		AddFunction(fillRandom, types(i32, i32), types(), e.fillRandomFn).
		AddFunction(fsAccess, types(i32, i32, i32), types(i32), e.fsAccessFn).
		AddFunction(fsOpen, types(i32, i32, i32), types(i32), e.fsOpenFn).
		AddFunction(fsClose, types(i32), types(), e.fsCloseFn).
		AddFunction(fsDelete, types(i32), types(i32), e.fsDeleteFn).
		AddFunction(fsRead, types(i32, i32, i32, i64), types(i32), e.fsReadFn).
		AddFunction(fsWrite, types(i32, i32, i32, i64), types(i32), e.fsWriteFn).
		AddFunction(fsTruncate, types(i32, i64), types(), e.fsTruncateFn).
		AddFunction(fsFilesize, types(i32), types(i64), e.fsFilesizeFn)
}

// guard recovers a panicking host function, logs it and stores the failure
// sentinel in the first result slot.
func (e *Engine) guard(name string, stack []uint64, sentinel uint64) {
	if r := recover(); r != nil {
		e.logger.Error("host function panicked", zap.String("function", name), zap.Any("panic", r))
		if len(stack) > 0 {
			stack[0] = sentinel
		}
	}
}

// readText decodes length-paired text from the caller's memory.
func readText(mem runtime.Memory, ptr, n uint32) (string, bool) {
	if n == 0 {
		return "", true
	}
	if mem == nil {
		return "", false
	}
	buf, ok := mem.Read(ptr, n)
	if !ok {
		return "", false
	}
	return string(buf), true
}

// readCText decodes a NUL-terminated string from the caller's memory.
func readCText(mem runtime.Memory, ptr uint32) (string, bool) {
	if mem == nil || ptr == 0 {
		return "", false
	}
	size := mem.Size()
	if ptr >= size {
		return "", false
	}
	buf, ok := mem.Read(ptr, size-ptr)
	if !ok {
		return "", false
	}
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i]), true
		}
	}
	return "", false
}

func (e *Engine) consoleLogFn(_ context.Context, mem runtime.Memory, stack []uint64) {
	defer e.guard(consoleLog, stack, 0)
	e.engineLog(mem, uint32(stack[0]), uint32(stack[1]), false)
}

func (e *Engine) consoleErrorFn(_ context.Context, mem runtime.Memory, stack []uint64) {
	defer e.guard(consoleError, stack, 0)
	e.engineLog(mem, uint32(stack[0]), uint32(stack[1]), true)
}

func (e *Engine) engineLog(mem runtime.Memory, ptr, n uint32, isError bool) {
	msg, ok := readText(mem, ptr, n)
	if !ok {
		e.logger.Warn("engine log message out of range", zap.Uint32("ptr", ptr), zap.Uint32("len", n))
		return
	}
	if !utf8.ValidString(msg) {
		msg = strings.ToValidUTF8(msg, "\uFFFD")
	}
	if isError {
		e.logger.Error(msg, zap.String("source", "engine"))
	} else {
		e.logger.Info(msg, zap.String("source", "engine"))
	}
}

// getTimeFn returns the current time as a Julian day number with a
// fractional part, the unit of the engine's date functions.
func (e *Engine) getTimeFn(_ context.Context, _ runtime.Memory, stack []uint64) {
	stack[0] = api.EncodeF64(julianday.Float(e.now()))
}

func (e *Engine) fillRandomFn(_ context.Context, mem runtime.Memory, stack []uint64) {
	defer e.guard(fillRandom, stack, 0)
	ptr, n := uint32(stack[0]), uint32(stack[1])
	if n == 0 {
		return
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		e.logger.Error("random source failed", zap.Error(err))
		return
	}
	if mem == nil || !mem.Write(ptr, buf) {
		e.logger.Warn("random fill out of range", zap.Uint32("ptr", ptr), zap.Uint32("len", n))
	}
}

func (e *Engine) fsAccessFn(_ context.Context, mem runtime.Memory, stack []uint64) {
	defer e.guard(fsAccess, stack, 0)
	path, ok := readText(mem, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = 0
		return
	}
	stack[0] = boolToWire(e.fs.Access(path, int(int32(stack[2]))))
}

func (e *Engine) fsOpenFn(_ context.Context, mem runtime.Memory, stack []uint64) {
	defer e.guard(fsOpen, stack, 0)
	path, ok := readText(mem, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = 0
		return
	}
	fd, err := e.fs.Open(path, int(int32(stack[2])))
	if err != nil {
		e.logger.Debug("open failed", zap.String("path", path), zap.Error(err))
		stack[0] = 0
		return
	}
	stack[0] = uint64(fd)
}

func (e *Engine) fsCloseFn(_ context.Context, _ runtime.Memory, stack []uint64) {
	defer e.guard(fsClose, stack, 0)
	if err := e.fs.CloseFile(uint32(stack[0])); err != nil {
		e.logger.Debug("close failed", zap.Uint32("fd", uint32(stack[0])), zap.Error(err))
	}
}

func (e *Engine) fsDeleteFn(_ context.Context, mem runtime.Memory, stack []uint64) {
	defer e.guard(fsDelete, stack, 0)
	path, ok := readCText(mem, uint32(stack[0]))
	if !ok {
		stack[0] = 0
		return
	}
	if err := e.fs.Delete(path); err != nil {
		e.logger.Debug("delete failed", zap.String("path", path), zap.Error(err))
		stack[0] = 0
		return
	}
	stack[0] = 1
}

const ioFailed = uint64(0xffffffff) // -1 as i32

func (e *Engine) fsReadFn(_ context.Context, mem runtime.Memory, stack []uint64) {
	defer e.guard(fsRead, stack, ioFailed)
	fd, ptr, n, off := uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), int64(stack[3])
	buf := make([]byte, n)
	read, err := e.fs.ReadAt(fd, buf, off)
	if err != nil {
		e.logger.Debug("read failed", zap.Uint32("fd", fd), zap.Int64("offset", off), zap.Error(err))
		stack[0] = ioFailed
		return
	}
	if mem == nil || !mem.Write(ptr, buf[:read]) {
		stack[0] = ioFailed
		return
	}
	stack[0] = uint64(uint32(read))
}

func (e *Engine) fsWriteFn(_ context.Context, mem runtime.Memory, stack []uint64) {
	defer e.guard(fsWrite, stack, ioFailed)
	fd, ptr, n, off := uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), int64(stack[3])
	if mem == nil {
		stack[0] = ioFailed
		return
	}
	buf, ok := mem.Read(ptr, n)
	if !ok {
		stack[0] = ioFailed
		return
	}
	written, err := e.fs.WriteAt(fd, buf, off)
	if err != nil {
		e.logger.Debug("write failed", zap.Uint32("fd", fd), zap.Int64("offset", off), zap.Error(err))
		stack[0] = ioFailed
		return
	}
	stack[0] = uint64(uint32(written))
}

func (e *Engine) fsTruncateFn(_ context.Context, _ runtime.Memory, stack []uint64) {
	defer e.guard(fsTruncate, stack, 0)
	fd, size := uint32(stack[0]), int64(stack[1])
	if err := e.fs.Truncate(fd, size); err != nil {
		e.logger.Debug("truncate failed", zap.Uint32("fd", fd), zap.Int64("size", size), zap.Error(err))
	}
}

func (e *Engine) fsFilesizeFn(_ context.Context, _ runtime.Memory, stack []uint64) {
	defer e.guard(fsFilesize, stack, ^uint64(0))
	size, err := e.fs.Size(uint32(stack[0]))
	if err != nil {
		e.logger.Debug("size failed", zap.Uint32("fd", uint32(stack[0])), zap.Error(err))
		stack[0] = ^uint64(0) // -1 as i64
		return
	}
	stack[0] = uint64(size)
}

func boolToWire(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
