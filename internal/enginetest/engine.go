// Package enginetest provides an in-process stand-in for the sqlite3 wasm
// module. It implements the module's export surface over a Go-managed arena
// and calls back into the host modules it was linked with, so the bridge can
// be tested without a compiled engine.
//
// The arena tracks every allocation. Views handed out by Memory stop working
// once the arena grows, and freed blocks are poisoned, which turns misuse of
// guest memory into visible failures.
package enginetest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/otelwasm/wasmsqlite/runtime"
)

const (
	pageSize  = 65536
	heapStart = 1024
	swapWords = 32
	poison    = 0xdd
)

// Result codes used by the fake.
const (
	codeOK         = 0
	codeError      = 1
	codeAbort      = 4
	codeCorrupt    = 11
	codeConstraint = 19
	codeMisuse     = 21
	codeRange      = 25
	codeRow        = 100
	codeDone       = 101
)

var errstrs = map[int]string{
	codeOK:         "not an error",
	codeError:      "SQL logic error",
	codeAbort:      "query aborted",
	codeCorrupt:    "database disk image is malformed",
	codeConstraint: "constraint failed",
	codeMisuse:     "bad parameter or other API misuse",
	codeRange:      "column index out of range",
	codeRow:        "another row available",
	codeDone:       "no more rows available",
}

type export func(ctx context.Context, p []uint64) []uint64

type allocation struct {
	size uint32
	host bool
}

type arena struct {
	buf      []byte
	gen      uint64
	top      uint32
	free     map[uint32][]uint32
	live     map[uint32]allocation
	badFrees []uint32
	stale    int
	grows    int
}

func sizeClass(n uint32) uint32 {
	c := uint32(16)
	for c < n {
		c <<= 1
	}
	return c
}

func (a *arena) alloc(n uint32, host bool) uint32 {
	c := sizeClass(n)
	if l := a.free[c]; len(l) > 0 {
		p := l[len(l)-1]
		a.free[c] = l[:len(l)-1]
		a.live[p] = allocation{size: c, host: host}
		return p
	}
	p := a.top
	if need := uint64(p) + uint64(c); need > uint64(len(a.buf)) {
		size := uint64(len(a.buf))
		for size < need {
			size += pageSize
		}
		buf := make([]byte, size)
		copy(buf, a.buf)
		a.buf = buf
		a.gen++
		a.grows++
	}
	a.top += c
	a.live[p] = allocation{size: c, host: host}
	return p
}

func (a *arena) release(p uint32) {
	al, ok := a.live[p]
	if !ok {
		a.badFrees = append(a.badFrees, p)
		return
	}
	delete(a.live, p)
	for i := p; i < p+al.size; i++ {
		a.buf[i] = poison
	}
	a.free[al.size] = append(a.free[al.size], p)
}

// Engine is the fake module instance. It is also the runtime.Context
// returned by Runtime.InstantiateWithHost.
type Engine struct {
	mem      arena
	exports  map[string]export
	hidden   map[string]bool
	hosts    map[string]*runtime.HostModule
	calls    map[string]int
	errnoPtr uint32
	swapPtr  uint32

	next     uint32
	files    map[string]*database
	dbs      map[uint32]*database
	stmts    map[uint32]*stmt
	values   map[uint32]*valueRef
	iters    map[uint32]*iterator
	sessions map[uint32]*session
	errstr   map[int]uint32

	// Conflict, when set, is consulted for every change applied. Returning
	// 4 raises a constraint conflict for the change; returning 5 raises a
	// foreign-key conflict once the whole changeset has been applied.
	Conflict func(table string, op int) int

	Initialized bool
	Closed      bool
}

// New returns a fake engine with an empty arena of one page.
func New() *Engine {
	e := &Engine{
		mem: arena{
			buf:  make([]byte, pageSize),
			top:  heapStart,
			free: make(map[uint32][]uint32),
			live: make(map[uint32]allocation),
		},
		hidden:   make(map[string]bool),
		hosts:    make(map[string]*runtime.HostModule),
		calls:    make(map[string]int),
		files:    make(map[string]*database),
		dbs:      make(map[uint32]*database),
		stmts:    make(map[uint32]*stmt),
		values:   make(map[uint32]*valueRef),
		iters:    make(map[uint32]*iterator),
		sessions: make(map[uint32]*session),
		errstr:   make(map[int]uint32),
	}
	e.errnoPtr = e.mem.alloc(4, false)
	e.swapPtr = e.mem.alloc(swapWords*4, false)
	e.exports = e.buildExports()
	return e
}

// Unexport hides functions or globals from the module's export surface.
func (e *Engine) Unexport(names ...string) {
	for _, name := range names {
		e.hidden[name] = true
	}
}

// Override replaces the export name with fn. Functions already resolved by
// the host pick up the replacement on their next call.
func (e *Engine) Override(name string, fn func(params []uint64) []uint64) {
	e.exports[name] = func(_ context.Context, p []uint64) []uint64 { return fn(p) }
}

// Function implements runtime.ModuleInstance.
func (e *Engine) Function(name string) runtime.FunctionInstance {
	if _, ok := e.exports[name]; !ok || e.hidden[name] {
		return nil
	}
	return &function{e: e, name: name}
}

// Global implements runtime.ModuleInstance.
func (e *Engine) Global(name string) (uint64, bool) {
	if e.hidden[name] {
		return 0, false
	}
	switch name {
	case "helper_errno":
		return uint64(e.errnoPtr), true
	case "helper_swap":
		return uint64(e.swapPtr), true
	}
	return 0, false
}

// Memory implements runtime.ModuleInstance. The view is invalidated by the
// next arena growth.
func (e *Engine) Memory() runtime.Memory {
	return &view{a: &e.mem, gen: e.mem.gen}
}

// Close implements runtime.ModuleInstance and runtime.Context.
func (e *Engine) Close(context.Context) error {
	e.Closed = true
	return nil
}

// WithRuntimeContext implements runtime.Context.
func (e *Engine) WithRuntimeContext(ctx context.Context) context.Context {
	return ctx
}

// Grow forces the arena to grow by n pages, invalidating every view.
func (e *Engine) Grow(n int) {
	buf := make([]byte, len(e.mem.buf)+n*pageSize)
	copy(buf, e.mem.buf)
	e.mem.buf = buf
	e.mem.gen++
	e.mem.grows++
}

// LiveHostAllocations returns the number of blocks the host allocated or was
// handed and has not freed yet.
func (e *Engine) LiveHostAllocations() int {
	n := 0
	for _, al := range e.mem.live {
		if al.host {
			n++
		}
	}
	return n
}

// BadFrees returns addresses passed to free that were not live.
func (e *Engine) BadFrees() []uint32 { return e.mem.badFrees }

// StaleViews returns how many memory accesses went through an invalidated view.
func (e *Engine) StaleViews() int { return e.mem.stale }

// Grows returns how many times the arena grew.
func (e *Engine) Grows() int { return e.mem.grows }

// LiveIterators returns the number of changeset iterators not finalized.
func (e *Engine) LiveIterators() int { return len(e.iters) }

// LiveStatements returns the number of prepared statements not finalized.
func (e *Engine) LiveStatements() int { return len(e.stmts) }

// LiveSessions returns the number of sessions not deleted.
func (e *Engine) LiveSessions() int { return len(e.sessions) }

// Calls returns how many times the named export was called.
func (e *Engine) Calls(name string) int { return e.calls[name] }

// Errno returns the current value of the error slot.
func (e *Engine) Errno() uint32 {
	return binary.LittleEndian.Uint32(e.mem.buf[e.errnoPtr:])
}

// SetErrno stores code in the error slot.
func (e *Engine) SetErrno(code uint32) {
	binary.LittleEndian.PutUint32(e.mem.buf[e.errnoPtr:], code)
}

// Swap returns the first n words of the scratch slot.
func (e *Engine) Swap(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(e.mem.buf[e.swapPtr+uint32(i)*4:])
	}
	return out
}

func (e *Engine) setSwap(words ...uint32) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(e.mem.buf[e.swapPtr+uint32(i)*4:], w)
	}
}

// CallHost invokes a function of a linked host module the way the engine
// would, with the current memory view.
func (e *Engine) CallHost(ctx context.Context, module, name string, params ...uint64) []uint64 {
	hm, ok := e.hosts[module]
	if !ok {
		panic(fmt.Sprintf("enginetest: host module %q not linked", module))
	}
	def, ok := hm.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("enginetest: host function %s.%s not linked", module, name))
	}
	if len(params) != len(def.ParamTypes) {
		panic(fmt.Sprintf("enginetest: %s.%s takes %d params, got %d", module, name, len(def.ParamTypes), len(params)))
	}
	stack := make([]uint64, max(len(params), len(def.ResultTypes)))
	copy(stack, params)
	def.Function(ctx, e.Memory(), stack)
	return stack[:len(def.ResultTypes)]
}

func (e *Engine) handle() uint32 {
	e.next++
	return e.next
}

// cstr copies s into an engine-owned, NUL-terminated allocation.
func (e *Engine) cstr(s string) uint32 {
	p := e.mem.alloc(uint32(len(s))+1, false)
	copy(e.mem.buf[p:], s)
	e.mem.buf[p+uint32(len(s))] = 0
	return p
}

func (e *Engine) readCString(p uint32) string {
	if p == 0 {
		return ""
	}
	end := p
	for end < uint32(len(e.mem.buf)) && e.mem.buf[end] != 0 {
		end++
	}
	return string(e.mem.buf[p:end])
}

func (e *Engine) readBytes(p, n uint32) []byte {
	if n == 0 {
		return []byte{}
	}
	out := make([]byte, n)
	copy(out, e.mem.buf[p:p+n])
	return out
}

func (e *Engine) errstrPtr(code int) uint32 {
	if p, ok := e.errstr[code]; ok {
		return p
	}
	msg, ok := errstrs[code]
	if !ok {
		msg = "unknown error"
	}
	p := e.cstr(msg)
	e.errstr[code] = p
	return p
}

type function struct {
	e    *Engine
	name string
}

func (f *function) Call(ctx context.Context, params ...uint64) (res []uint64, err error) {
	f.e.calls[f.name]++
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enginetest: %s trapped: %v", f.name, r)
		}
	}()
	return f.e.exports[f.name](ctx, params), nil
}

type view struct {
	a   *arena
	gen uint64
}

func (v *view) ok(off uint32, n uint64) bool {
	if v.gen != v.a.gen {
		v.a.stale++
		return false
	}
	return uint64(off)+n <= uint64(len(v.a.buf))
}

func (v *view) Read(off, n uint32) ([]byte, bool) {
	if !v.ok(off, uint64(n)) {
		return nil, false
	}
	return v.a.buf[off : off+n : off+n], true
}

func (v *view) Write(off uint32, data []byte) bool {
	if !v.ok(off, uint64(len(data))) {
		return false
	}
	copy(v.a.buf[off:], data)
	return true
}

func (v *view) ReadUint32Le(off uint32) (uint32, bool) {
	if !v.ok(off, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v.a.buf[off:]), true
}

func (v *view) WriteUint32Le(off, val uint32) bool {
	if !v.ok(off, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(v.a.buf[off:], val)
	return true
}

func (v *view) Size() uint32 {
	return uint32(len(v.a.buf))
}

// Runtime is a runtime.Runtime whose only module is an Engine.
type Runtime struct {
	Engine *Engine
	Closed bool
}

// NewRuntime returns a Runtime around a fresh Engine.
func NewRuntime() *Runtime {
	return &Runtime{Engine: New()}
}

type compiled struct{}

func (compiled) Close(context.Context) error { return nil }

func (r *Runtime) Compile(context.Context, []byte) (runtime.CompiledModule, error) {
	return compiled{}, nil
}

// InstantiateWithHost links the host modules into the engine.
func (r *Runtime) InstantiateWithHost(_ context.Context, _ runtime.CompiledModule, hostModules ...*runtime.HostModule) (runtime.ModuleInstance, runtime.Context, error) {
	for _, hm := range hostModules {
		r.Engine.hosts[hm.Name] = hm
	}
	return r.Engine, r.Engine, nil
}

func (r *Runtime) Close(context.Context) error {
	r.Closed = true
	return nil
}

func f64(v uint64) float64 { return math.Float64frombits(v) }

func u64(f float64) uint64 { return math.Float64bits(f) }
