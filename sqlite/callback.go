package sqlite

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/otelwasm/wasmsqlite/runtime"
)

const (
	// sessionModuleName is the import module of the apply callbacks
	sessionModuleName = "session"

	sessionFilter   = "session_filter"
	sessionConflict = "session_conflict"
)

// registry maps the context ids handed to the engine during an apply to the
// options of that apply. An id is live only while its apply call runs.
type registry struct {
	entries map[uint32]*ApplyOptions
}

func newRegistry() *registry {
	return &registry{entries: make(map[uint32]*ApplyOptions)}
}

// register stores opts under the lowest id not in use.
func (r *registry) register(opts *ApplyOptions) uint32 {
	var id uint32
	for {
		if _, ok := r.entries[id]; !ok {
			break
		}
		id++
	}
	r.entries[id] = opts
	return id
}

func (r *registry) unregister(id uint32) {
	delete(r.entries, id)
}

func (r *registry) lookup(id uint32) (*ApplyOptions, bool) {
	opts, ok := r.entries[id]
	return opts, ok
}

func (r *registry) len() int {
	return len(r.entries)
}

func (e *Engine) sessionModule() *runtime.HostModule {
	i32, types := runtime.I32, runtime.Types
	return runtime.NewHostModule(sessionModuleName).
		AddFunction(sessionFilter, types(i32, i32), types(i32), e.sessionFilterFn).
		AddFunction(sessionConflict, types(i32, i32, i32), types(i32), e.sessionConflictFn)
}

func (e *Engine) sessionFilterFn(ctx context.Context, _ runtime.Memory, stack []uint64) {
	stack[0] = boolToWire(e.filterTable(ctx, uint32(stack[0]), uint32(stack[1])))
}

func (e *Engine) sessionConflictFn(ctx context.Context, _ runtime.Memory, stack []uint64) {
	res := e.resolveConflict(ctx, uint32(stack[0]), ConflictKind(int32(stack[1])), uint32(stack[2]))
	stack[0] = res.wire()
}

// filterTable decides whether changes to the named table are applied.
// Without a filter every table is. A table is excluded when its name cannot
// be read, the id is unknown or the filter panics.
func (e *Engine) filterTable(ctx context.Context, id, namePtr uint32) (include bool) {
	opts, ok := e.callbacks.lookup(id)
	if !ok {
		e.logger.Error("filter called with unknown apply context", zap.Uint32("context", id))
		return false
	}
	if opts.Filter == nil {
		return true
	}
	name, err := e.mem.CString(namePtr)
	if err != nil {
		e.logger.Error("reading filtered table name", zap.Error(err))
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("changeset filter panicked", zap.String("table", name), zap.Any("panic", r))
			include = false
		}
	}()
	return opts.Filter(name)
}

// resolveConflict runs the callback matching kind and fails closed: every
// path that does not produce a valid resolution aborts the apply.
func (e *Engine) resolveConflict(ctx context.Context, id uint32, kind ConflictKind, iter uint32) Resolution {
	logger := e.logger.With(zap.Uint32("context", id), zap.Stringer("kind", kind))

	opts, ok := e.callbacks.lookup(id)
	if !ok {
		logger.Error("conflict raised for unknown apply context")
		return ResolutionAbort
	}
	handler, ok := opts.handler(kind)
	if !ok {
		logger.Error("unknown conflict kind")
		return ResolutionAbort
	}
	if handler == nil {
		logger.Debug("no conflict handler, aborting")
		return ResolutionAbort
	}

	rec, err := e.readRecord(ctx, iter, kind.carriesConflictingRow())
	if err != nil {
		logger.Error("reading conflicting change", zap.Error(err))
		return ResolutionAbort
	}

	res, err := callHandler(handler, rec)
	if err != nil {
		logger.Error("conflict handler failed", zap.String("table", rec.Table), zap.Error(err))
		return ResolutionAbort
	}
	switch res {
	case ResolutionOmit, ResolutionAbort:
	case ResolutionReplace:
		if !kind.Replaceable() {
			logger.Warn("replace is not allowed for this conflict kind, aborting", zap.String("table", rec.Table))
			return ResolutionAbort
		}
	default:
		logger.Warn("unrecognized resolution, aborting", zap.String("resolution", string(res)))
		return ResolutionAbort
	}
	return res
}

func callHandler(handler ConflictHandler, rec ChangeRecord) (res Resolution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(rec), nil
}
