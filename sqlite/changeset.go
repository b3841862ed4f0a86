package sqlite

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/multierr"
)

// Operation is the kind of row change recorded in a changeset.
type Operation int

// Values match the engine's operation codes.
const (
	OpUnknown Operation = 0
	OpInsert  Operation = 18
	OpDelete  Operation = 9
	OpUpdate  Operation = 23
)

// MarshalText encodes the operation by name.
func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// ChangeRecord describes one change of a changeset.
//
// Columns is the width of the changed table. Old is set for deletes and updates, New for inserts and updates. In a
// patchset, columns a change does not carry decode as null. Conflicting
// holds the row currently in the database and is only set for data-changed
// and duplicate conflicts.
type ChangeRecord struct {
	Table       string    `json:"table"`
	Operation   Operation `json:"operation"`
	Columns     int       `json:"columns"`
	Indirect    bool      `json:"indirect"`
	Old         []Value   `json:"old,omitempty"`
	New         []Value   `json:"new,omitempty"`
	Conflicting []Value   `json:"conflicting,omitempty"`
}

// readRecord decodes the change the iterator is positioned on.
func (e *Engine) readRecord(ctx context.Context, it uint32, conflicting bool) (ChangeRecord, error) {
	namePtr, err := e.call(ctx, fnChangesetOp, uint64(it))
	if err != nil {
		return ChangeRecord{}, err
	}
	// The scratch words are only valid until the next guest call.
	words, err := e.readSwap(3)
	if err != nil {
		return ChangeRecord{}, err
	}
	if err := e.takeErrno(ctx); err != nil {
		return ChangeRecord{}, err
	}

	var rec ChangeRecord
	if namePtr == 0 {
		// Foreign key conflicts are reported on an iterator without a
		// current change.
		return rec, nil
	}
	if rec.Table, err = e.mem.CString(uint32(namePtr)); err != nil {
		return ChangeRecord{}, err
	}
	ncol := words[0]
	rec.Columns = int(ncol)
	rec.Operation = Operation(words[1])
	rec.Indirect = words[2] != 0

	switch rec.Operation {
	case OpInsert, OpDelete, OpUpdate:
	default:
		return ChangeRecord{}, fmt.Errorf("table %s: operation %d: %w", rec.Table, words[1], ErrUnknownOperation)
	}

	if rec.Operation != OpInsert {
		if rec.Old, err = e.readImage(ctx, fnChangesetOld, it, ncol); err != nil {
			return ChangeRecord{}, err
		}
	}
	if rec.Operation != OpDelete {
		if rec.New, err = e.readImage(ctx, fnChangesetNew, it, ncol); err != nil {
			return ChangeRecord{}, err
		}
	}
	if conflicting {
		if rec.Conflicting, err = e.readImage(ctx, fnChangesetConflict, it, ncol); err != nil {
			return ChangeRecord{}, err
		}
	}
	return rec, nil
}

func (e *Engine) readImage(ctx context.Context, fn string, it, ncol uint32) ([]Value, error) {
	values := make([]Value, ncol)
	for i := range ncol {
		h, err := e.call(ctx, fn, uint64(it), uint64(i))
		if err != nil {
			return nil, err
		}
		if err := e.takeErrno(ctx); err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		if values[i], err = e.decodeValue(ctx, uint32(h)); err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
	}
	return values, nil
}

// ChangesetIter walks the changes of a changeset or patchset.
//
// The engine reads the input from guest memory for the iterator's whole
// life, so the iterator owns a guest copy of it until Close.
//
// An iterator is bound to the context passed to Engine.Changeset: Next and
// Close call into the engine with it, and re-entrant host callbacks see it.
type ChangesetIter struct {
	e      *Engine
	ctx    context.Context
	handle uint32
	buf    uint32
	rec    ChangeRecord
	err    error
	done   bool
}

// Changeset starts iterating over data.
func (e *Engine) Changeset(ctx context.Context, data []byte) (*ChangesetIter, error) {
	if !e.features.Has(FeatureSession) {
		return nil, ErrSessionUnsupported
	}
	n := uint32(len(data))
	buf, err := e.mem.Malloc(ctx, n)
	if err != nil {
		return nil, err
	}
	if err := e.mem.Write(buf, data); err != nil {
		return nil, errAndFree(ctx, e, buf, err)
	}
	h, err := e.call(ctx, fnChangesetStart, uint64(buf), uint64(n))
	if err != nil {
		return nil, errAndFree(ctx, e, buf, err)
	}
	if err := e.takeErrno(ctx); err != nil {
		return nil, errAndFree(ctx, e, buf, fmt.Errorf("starting changeset: %w", err))
	}
	if h == 0 {
		return nil, errAndFree(ctx, e, buf, &Error{Code: CodeError, Msg: "no changeset iterator"})
	}
	return &ChangesetIter{e: e, ctx: ctx, handle: uint32(h), buf: buf}, nil
}

func errAndFree(ctx context.Context, e *Engine, ptr uint32, err error) error {
	return multierr.Append(err, e.mem.Free(ctx, ptr))
}

// Next advances to the next change. It returns false at the end or on error.
func (it *ChangesetIter) Next() bool {
	if it.done {
		return false
	}
	rc, err := it.e.call(it.ctx, fnChangesetNext, uint64(it.handle))
	if err != nil {
		it.fail(err)
		return false
	}
	switch int(int32(rc)) {
	case CodeRow:
	case CodeDone:
		it.done = true
		return false
	default:
		it.fail(it.e.errorf(it.ctx, int(int32(rc))))
		return false
	}
	rec, err := it.e.readRecord(it.ctx, it.handle, false)
	if err != nil {
		it.fail(err)
		return false
	}
	it.rec = rec
	return true
}

func (it *ChangesetIter) fail(err error) {
	it.err = err
	it.done = true
}

// Record returns the change Next moved to.
func (it *ChangesetIter) Record() ChangeRecord { return it.rec }

// Err returns the error that stopped the iteration, if any.
func (it *ChangesetIter) Err() error { return it.err }

// Close finalizes the engine iterator and frees the input copy. It is safe
// to call more than once.
func (it *ChangesetIter) Close() error {
	if it.handle == 0 {
		return nil
	}
	h, buf := it.handle, it.buf
	it.handle, it.buf, it.done = 0, 0, true

	rc, err := it.e.call(it.ctx, fnChangesetFinalize, uint64(h))
	if err == nil {
		err = it.e.check(it.ctx, rc)
	}
	return multierr.Append(err, it.e.mem.Free(it.ctx, buf))
}

// All yields every change, then a final error if the iteration failed. The
// iterator is closed when the loop ends, including on break.
func (it *ChangesetIter) All() iter.Seq2[ChangeRecord, error] {
	return func(yield func(ChangeRecord, error) bool) {
		defer it.Close()
		for it.Next() {
			if !yield(it.Record(), nil) {
				return
			}
		}
		if it.err != nil {
			yield(ChangeRecord{}, it.err)
		}
	}
}

// DumpChangeset decodes every change of data.
func (e *Engine) DumpChangeset(ctx context.Context, data []byte) (records []ChangeRecord, err error) {
	it, err := e.Changeset(ctx, data)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()
	for it.Next() {
		records = append(records, it.Record())
	}
	return records, it.Err()
}
