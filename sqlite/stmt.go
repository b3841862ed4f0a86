package sqlite

import (
	"context"
	"fmt"
	"iter"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
)

// NamedArg binds a value to a named parameter in an argument list.
type NamedArg struct {
	Name  string
	Value any
}

// Named returns a NamedArg. The name may omit the parameter's prefix.
func Named(name string, v any) NamedArg {
	return NamedArg{Name: name, Value: v}
}

// Stmt is a prepared statement.
type Stmt struct {
	e       *Engine
	handle  uint32
	params  map[string]int
	columns []string
	closed  bool
}

func newStmt(ctx context.Context, db *DB, handle uint32) (*Stmt, error) {
	s := &Stmt{e: db.e, handle: handle, params: make(map[string]int)}
	if err := s.describe(ctx); err != nil {
		return nil, multierr.Append(err, s.Close(ctx))
	}
	return s, nil
}

// describe reads the parameter names and result columns.
func (s *Stmt) describe(ctx context.Context) error {
	handle := s.handle

	count, err := s.e.call(ctx, fnBindParameterCount, uint64(handle))
	if err != nil {
		return err
	}
	for i := 1; i <= int(count); i++ {
		ptr, err := s.e.call(ctx, fnBindParameterName, uint64(handle), uint64(i))
		if err != nil {
			return err
		}
		if ptr == 0 {
			continue
		}
		name, err := s.e.mem.CString(uint32(ptr))
		if err != nil {
			return err
		}
		s.params[name] = i
	}

	ncol, err := s.e.call(ctx, fnColumnCount, uint64(handle))
	if err != nil {
		return err
	}
	s.columns = make([]string, ncol)
	for i := range s.columns {
		ptr, err := s.e.call(ctx, fnColumnName, uint64(handle), uint64(i))
		if err != nil {
			return err
		}
		if s.columns[i], err = s.e.mem.CString(uint32(ptr)); err != nil {
			return err
		}
	}
	return nil
}

// Columns returns the names of the result columns.
func (s *Stmt) Columns() []string { return s.columns }

// ParamIndex returns the index of a named parameter. The prefix may be
// omitted.
func (s *Stmt) ParamIndex(name string) (int, bool) {
	if i, ok := s.params[name]; ok {
		return i, true
	}
	for _, prefix := range []string{":", "@", "$"} {
		if i, ok := s.params[prefix+name]; ok {
			return i, true
		}
	}
	return 0, false
}

// Bind binds v to the 1-based parameter idx.
func (s *Stmt) Bind(ctx context.Context, idx int, v Value) error {
	if s.closed {
		return ErrClosed
	}
	e, h, i := s.e, uint64(s.handle), uint64(idx)
	switch v.Kind() {
	case KindNull:
		rc, err := e.call(ctx, fnBindNull, h, i)
		if err != nil {
			return err
		}
		return e.check(ctx, rc)
	case KindNumber:
		f, _ := v.Float()
		rc, err := e.call(ctx, fnBindDouble, h, i, api.EncodeF64(f))
		if err != nil {
			return err
		}
		return e.check(ctx, rc)
	case KindText:
		str, _ := v.Str()
		return e.mem.WithString(ctx, str, func(ptr, n uint32) error {
			if _, err := e.call(ctx, fnBindText, h, i, uint64(ptr), uint64(n)); err != nil {
				return err
			}
			return e.takeErrno(ctx)
		})
	case KindBlob:
		b, _ := v.Bytes()
		return e.mem.WithBytes(ctx, b, func(ptr, n uint32) error {
			if _, err := e.call(ctx, fnBindBlob, h, i, uint64(ptr), uint64(n)); err != nil {
				return err
			}
			return e.takeErrno(ctx)
		})
	default:
		return fmt.Errorf("binding parameter %d: %w", idx, ErrInvalidValueType)
	}
}

// BindName binds v to a named parameter.
func (s *Stmt) BindName(ctx context.Context, name string, v Value) error {
	idx, ok := s.ParamIndex(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrNoParameter)
	}
	return s.Bind(ctx, idx, v)
}

// BindAll binds an argument list. NamedArg values bind by name, the others
// bind in order starting at index 1.
func (s *Stmt) BindAll(ctx context.Context, args ...any) error {
	pos := 0
	for _, arg := range args {
		if named, ok := arg.(NamedArg); ok {
			v, err := ValueOf(named.Value)
			if err != nil {
				return fmt.Errorf("parameter %q: %w", named.Name, err)
			}
			if err := s.BindName(ctx, named.Name, v); err != nil {
				return err
			}
			continue
		}
		pos++
		v, err := ValueOf(arg)
		if err != nil {
			return fmt.Errorf("parameter %d: %w", pos, err)
		}
		if err := s.Bind(ctx, pos, v); err != nil {
			return fmt.Errorf("parameter %d: %w", pos, err)
		}
	}
	return nil
}

// Step advances the statement. It reports whether a row is available.
func (s *Stmt) Step(ctx context.Context) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	rc, err := s.e.call(ctx, fnStep, uint64(s.handle))
	if err != nil {
		return false, err
	}
	switch int(int32(rc)) {
	case CodeRow:
		return true, nil
	case CodeDone:
		return false, nil
	default:
		return false, s.e.check(ctx, rc)
	}
}

// Exec binds args and runs the statement to completion. A statement that
// produces a row fails with ErrRowReturned.
func (s *Stmt) Exec(ctx context.Context, args ...any) (err error) {
	defer func() {
		err = appendCleanup(err, s.reset(ctx))
	}()
	if err := s.BindAll(ctx, args...); err != nil {
		return err
	}
	row, err := s.Step(ctx)
	if err != nil {
		return err
	}
	if row {
		return ErrRowReturned
	}
	return nil
}

// Query binds args and returns the statement's rows. The statement is
// reset when the rows are closed.
func (s *Stmt) Query(ctx context.Context, args ...any) (*Rows, error) {
	if err := s.BindAll(ctx, args...); err != nil {
		return nil, multierr.Append(err, s.reset(ctx))
	}
	return &Rows{s: s, cols: s.columns, ctx: ctx}, nil
}

// reset rewinds the statement and clears its bindings.
func (s *Stmt) reset(ctx context.Context) error {
	if s.closed {
		return nil
	}
	var err error
	for _, fn := range []string{fnReset, fnClearBindings} {
		rc, cerr := s.e.call(ctx, fn, uint64(s.handle))
		if cerr == nil {
			cerr = s.e.check(ctx, rc)
		}
		err = multierr.Append(err, cerr)
	}
	return err
}

// Close finalizes the statement.
func (s *Stmt) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	rc, err := s.e.call(ctx, fnFinalize, uint64(s.handle))
	if err != nil {
		return err
	}
	return s.e.check(ctx, rc)
}

// Rows iterates over the result of a query. Rows are bound to the context
// passed to Query, which Next and Close use for their engine calls.
type Rows struct {
	s     *Stmt
	cols  []string
	ctx   context.Context
	row   []Value
	err   error
	done  bool
	owned bool
}

// Columns returns the names of the result columns.
func (r *Rows) Columns() []string { return r.cols }

// Next moves to the next row and decodes it.
func (r *Rows) Next() bool {
	if r.done || r.s == nil {
		return false
	}
	ok, err := r.s.Step(r.ctx)
	if err != nil || !ok {
		r.err = err
		r.done = true
		return false
	}
	row := make([]Value, len(r.s.columns))
	for i := range row {
		h, err := r.s.e.call(r.ctx, fnColumnValue, uint64(r.s.handle), uint64(i))
		if err == nil {
			row[i], err = r.s.e.decodeValue(r.ctx, uint32(h))
		}
		if err != nil {
			r.err = fmt.Errorf("column %d: %w", i, err)
			r.done = true
			return false
		}
	}
	r.row = row
	return true
}

// Values returns the current row.
func (r *Rows) Values() []Value { return r.row }

// Map returns the current row keyed by column name.
func (r *Rows) Map() map[string]Value {
	m := make(map[string]Value, len(r.row))
	for i, v := range r.row {
		m[r.cols[i]] = v
	}
	return m
}

// Err returns the error that ended the iteration, if any.
func (r *Rows) Err() error { return r.err }

// Close resets the statement, finalizing it when the rows came from
// DB.Query. It is safe to call more than once.
func (r *Rows) Close() error {
	if r.s == nil {
		return nil
	}
	s := r.s
	r.done = true
	err := s.reset(r.ctx)
	if sameCode(err, r.err) {
		err = nil
	}
	if r.owned {
		err = multierr.Append(err, s.Close(r.ctx))
	}
	r.s = nil
	return err
}

// All yields every row and closes the rows when the loop ends.
func (r *Rows) All() iter.Seq2[[]Value, error] {
	return func(yield func([]Value, error) bool) {
		defer r.Close()
		for r.Next() {
			if !yield(r.row, nil) {
				return
			}
		}
		if r.err != nil {
			yield(nil, r.err)
		}
	}
}
