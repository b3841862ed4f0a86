// Package sqlite runs a SQLite engine compiled to WebAssembly and bridges its
// statement, session and changeset APIs to Go.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/otelwasm/wasmsqlite/runtime"
	_ "github.com/otelwasm/wasmsqlite/runtime/wazero" // Register Wazero runtime
	"github.com/otelwasm/wasmsqlite/sqlite/internal/mem"
	"github.com/otelwasm/wasmsqlite/vfs"
)

const (
	// Exported globals holding the addresses of the error cell and the
	// scratch words.
	exportErrno = "helper_errno"
	exportSwap  = "helper_swap"

	swapWords = 32
)

// Guest functions
const (
	fnMalloc             = "malloc"
	fnFree               = "free"
	fnInitialize         = "sqlite3_initialize"
	fnErrstr             = "sqlite3_errstr"
	fnOpen               = "helper_open"
	fnClose              = "sqlite3_close"
	fnPrepare            = "helper_prepare"
	fnFinalize           = "sqlite3_finalize"
	fnStep               = "sqlite3_step"
	fnReset              = "sqlite3_reset"
	fnClearBindings      = "sqlite3_clear_bindings"
	fnBindParameterCount = "sqlite3_bind_parameter_count"
	fnBindParameterName  = "sqlite3_bind_parameter_name"
	fnBindText           = "helper_bind_text"
	fnBindBlob           = "helper_bind_blob"
	fnBindDouble         = "sqlite3_bind_double"
	fnBindNull           = "sqlite3_bind_null"
	fnColumnCount        = "sqlite3_column_count"
	fnColumnName         = "sqlite3_column_name"
	fnColumnValue        = "sqlite3_column_value"
	fnValueType          = "sqlite3_value_type"
	fnValueDouble        = "sqlite3_value_double"
	fnValueText          = "sqlite3_value_text"
	fnValueBlob          = "sqlite3_value_blob"
	fnValueBytes         = "sqlite3_value_bytes"

	fnSessionCreate      = "helper_session_create"
	fnSessionDelete      = "sqlite3session_delete"
	fnSessionAttach      = "sqlite3session_attach"
	fnSessionChangeset   = "helper_session_changeset"
	fnSessionPatchset    = "helper_session_patchset"
	fnChangesetStart     = "helper_changeset_start"
	fnChangesetNext      = "sqlite3changeset_next"
	fnChangesetOp        = "helper_changeset_op"
	fnChangesetOld       = "helper_changeset_old"
	fnChangesetNew       = "helper_changeset_new"
	fnChangesetConflict  = "helper_changeset_conflict"
	fnChangesetFinalize  = "sqlite3changeset_finalize"
	fnChangesetApply     = "helper_changeset_apply"
)

var requiredFunctions = []string{
	fnMalloc,
	fnFree,
	fnInitialize,
	fnErrstr,
	fnOpen,
	fnClose,
	fnPrepare,
	fnFinalize,
	fnStep,
	fnReset,
	fnClearBindings,
	fnBindParameterCount,
	fnBindParameterName,
	fnBindText,
	fnBindBlob,
	fnBindDouble,
	fnBindNull,
	fnColumnCount,
	fnColumnName,
	fnColumnValue,
	fnValueType,
	fnValueDouble,
	fnValueText,
	fnValueBlob,
	fnValueBytes,
}

var sessionFunctions = []string{
	fnSessionCreate,
	fnSessionDelete,
	fnSessionAttach,
	fnSessionChangeset,
	fnSessionPatchset,
	fnChangesetStart,
	fnChangesetNext,
	fnChangesetOp,
	fnChangesetOld,
	fnChangesetNew,
	fnChangesetConflict,
	fnChangesetFinalize,
	fnChangesetApply,
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	runtime runtime.Runtime
	fs      *vfs.FS
	now     func() time.Time
}

// WithLogger sets the logger engine output and host diagnostics go to.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRuntime loads the engine into rt instead of a runtime built from the
// configuration. The Engine closes rt when it is closed.
func WithRuntime(rt runtime.Runtime) Option {
	return func(o *options) {
		o.runtime = rt
	}
}

// WithFS sets the file table backing the engine's file functions.
func WithFS(fs *vfs.FS) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithClock sets the time source behind the engine's clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Engine is a loaded sqlite3 module.
//
// An Engine is not safe for concurrent use. The module reports errors and
// multi-value results through shared cells that the next call overwrites,
// so calls must be serialized by the caller. Callbacks invoked during
// ApplyChangeset run on the calling goroutine and may use the Engine.
type Engine struct {
	logger         *zap.Logger
	runtime        runtime.Runtime
	compiled       runtime.CompiledModule
	runtimeContext runtime.Context
	module         runtime.ModuleInstance
	functions      map[string]runtime.FunctionInstance
	mem            *mem.Bridge
	fs             *vfs.FS
	now            func() time.Time
	features       Features
	callbacks      *registry
	errnoPtr       uint32
	swapPtr        uint32
	closed         bool
}

// New loads the module at cfg.Path.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	binary, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("wasm: error reading module: %w", err)
	}

	o := newOptions(opts)
	if o.fs == nil {
		o.fs = vfs.New(vfs.WithRoot(cfg.Dir))
	}
	if o.runtime == nil {
		rt, err := runtime.NewRuntime(cfg.Runtime)
		if err != nil {
			return nil, fmt.Errorf("wasm: error creating runtime: %w", err)
		}
		o.runtime = rt
	}
	return load(ctx, binary, o)
}

// NewFromBinary loads a module from memory with the default runtime.
func NewFromBinary(ctx context.Context, binary []byte, opts ...Option) (*Engine, error) {
	o := newOptions(opts)
	if o.fs == nil {
		o.fs = vfs.New()
	}
	if o.runtime == nil {
		rt, err := runtime.NewRuntime(runtime.Config{})
		if err != nil {
			return nil, fmt.Errorf("wasm: error creating runtime: %w", err)
		}
		o.runtime = rt
	}
	return load(ctx, binary, o)
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

func load(ctx context.Context, binary []byte, o *options) (*Engine, error) {
	e := &Engine{
		logger:    o.logger,
		runtime:   o.runtime,
		fs:        o.fs,
		now:       o.now,
		callbacks: newRegistry(),
		functions: make(map[string]runtime.FunctionInstance),
	}

	compiled, err := e.runtime.Compile(ctx, binary)
	if err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("wasm: error compiling module: %w", err)
	}
	e.compiled = compiled

	instance, runtimeContext, err := e.runtime.InstantiateWithHost(ctx, compiled, e.hostModule(), e.sessionModule())
	if err != nil {
		e.Close(ctx)
		return nil, fmt.Errorf("wasm: error instantiating module: %w", err)
	}
	e.runtimeContext = runtimeContext
	e.module = boundModule{ModuleInstance: instance, rc: runtimeContext}

	if err := e.init(ctx); err != nil {
		e.Close(ctx)
		return nil, err
	}

	e.logger.Debug("sqlite engine loaded", zap.Stringer("features", e.features))
	return e, nil
}

func (e *Engine) init(ctx context.Context) error {
	e.features = detectFeatures(e.module)

	names := requiredFunctions
	if e.features.Has(FeatureSession) {
		names = append(slices.Clone(names), sessionFunctions...)
	}
	for _, name := range names {
		fn := e.module.Function(name)
		if fn == nil {
			return fmt.Errorf("wasm: %s is not exported: %w", name, ErrRequiredFunctionNotExported)
		}
		e.functions[name] = fn
	}

	bridge, err := mem.New(e.module)
	if err != nil {
		return fmt.Errorf("wasm: %w", err)
	}
	e.mem = bridge

	for name, dst := range map[string]*uint32{exportErrno: &e.errnoPtr, exportSwap: &e.swapPtr} {
		v, ok := e.module.Global(name)
		if !ok {
			return fmt.Errorf("wasm: %s is not exported: %w", name, ErrGlobalNotExported)
		}
		*dst = uint32(v)
	}

	rc, err := e.call(ctx, fnInitialize)
	if err != nil {
		return err
	}
	return e.check(ctx, rc)
}

// Features returns the optional capabilities the module exports.
func (e *Engine) Features() Features {
	return e.features
}

// FS returns the file table serving the engine's file functions.
func (e *Engine) FS() *vfs.FS {
	return e.fs
}

// Close releases the module, its runtime and any file the engine left open.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	if e.fs != nil {
		err = multierr.Append(err, e.fs.Close())
	}
	if e.module != nil {
		err = multierr.Append(err, e.module.Close(ctx))
	}
	if e.runtimeContext != nil {
		err = multierr.Append(err, e.runtimeContext.Close(ctx))
	}
	if e.compiled != nil {
		err = multierr.Append(err, e.compiled.Close(ctx))
	}
	if e.runtime != nil {
		err = multierr.Append(err, e.runtime.Close(ctx))
	}
	if err != nil {
		return fmt.Errorf("wasm: error closing engine: %w", err)
	}
	return nil
}

// call invokes a guest function and returns its first result.
func (e *Engine) call(ctx context.Context, name string, params ...uint64) (uint64, error) {
	if e.closed {
		return 0, ErrClosed
	}
	fn, ok := e.functions[name]
	if !ok {
		if slices.Contains(sessionFunctions, name) {
			return 0, ErrSessionUnsupported
		}
		return 0, fmt.Errorf("wasm: %s is not exported: %w", name, ErrRequiredFunctionNotExported)
	}
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return 0, fmt.Errorf("wasm: %s: %w", name, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0], nil
}

// errorf builds an *Error, asking the engine for the code's description.
func (e *Engine) errorf(ctx context.Context, code int) error {
	msg := "unknown error"
	if ptr, err := e.call(ctx, fnErrstr, uint64(uint32(code))); err == nil && ptr != 0 {
		if s, err := e.mem.CString(uint32(ptr)); err == nil {
			msg = s
		}
	}
	return &Error{Code: code, Msg: msg}
}

// check turns a result code returned by a call into an error. A failing code
// also clears the error cell so a stale value is not reported later.
func (e *Engine) check(ctx context.Context, rc uint64) error {
	code := int(int32(rc))
	if code == CodeOK {
		return nil
	}
	return multierr.Append(e.errorf(ctx, code), e.clearErrno())
}

// takeErrno reads and clears the error cell. It must run right after the
// call whose failure it reports.
func (e *Engine) takeErrno(ctx context.Context) error {
	code, err := e.mem.Uint32(e.errnoPtr)
	if err != nil {
		return fmt.Errorf("wasm: reading error cell: %w", err)
	}
	if code == 0 {
		return nil
	}
	if err := e.clearErrno(); err != nil {
		return err
	}
	return e.errorf(ctx, int(code))
}

func (e *Engine) clearErrno() error {
	if err := e.mem.PutUint32(e.errnoPtr, 0); err != nil {
		return fmt.Errorf("wasm: clearing error cell: %w", err)
	}
	return nil
}

// readSwap copies the first n scratch words. The words belong to the call
// that just returned; the next call may overwrite them.
func (e *Engine) readSwap(n uint32) ([]uint32, error) {
	words, err := e.mem.Uint32s(e.swapPtr, n)
	if err != nil {
		return nil, fmt.Errorf("wasm: reading scratch words: %w", err)
	}
	return words, nil
}

// withCString runs fn with s copied into the guest as a C string and
// returns fn's result code.
func (e *Engine) withCString(ctx context.Context, s string, fn func(ptr uint32) (uint64, error)) (uint64, error) {
	var res uint64
	err := e.mem.WithCString(ctx, s, func(ptr uint32) error {
		var err error
		res, err = fn(ptr)
		return err
	})
	return res, err
}

// boundModule attaches the runtime context to every guest call.
type boundModule struct {
	runtime.ModuleInstance
	rc runtime.Context
}

func (m boundModule) Function(name string) runtime.FunctionInstance {
	fn := m.ModuleInstance.Function(name)
	if fn == nil {
		return nil
	}
	return boundFunction{fn: fn, rc: m.rc}
}

type boundFunction struct {
	fn runtime.FunctionInstance
	rc runtime.Context
}

func (f boundFunction) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.fn.Call(f.rc.WithRuntimeContext(ctx), params...)
}
