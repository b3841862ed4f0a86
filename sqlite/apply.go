package sqlite

import (
	"context"
	"fmt"
)

// Resolution tells the engine how to proceed after a conflict.
type Resolution string

const (
	// ResolutionOmit skips the conflicting change.
	ResolutionOmit Resolution = "omit"
	// ResolutionReplace writes the change over the conflicting row. It is
	// only honored for data-changed and duplicate conflicts.
	ResolutionReplace Resolution = "replace"
	// ResolutionAbort stops the apply and rolls it back.
	ResolutionAbort Resolution = "abort"
)

// wire returns the value the engine expects. Anything unrecognized aborts.
func (r Resolution) wire() uint64 {
	switch r {
	case ResolutionOmit:
		return 0
	case ResolutionReplace:
		return 1
	default:
		return 2
	}
}

// ConflictKind classifies why a change could not be applied as recorded.
type ConflictKind int

const (
	// ConflictData: the target row exists but its values differ from the
	// change's old image.
	ConflictData ConflictKind = 1
	// ConflictNotFound: the row to update or delete does not exist.
	ConflictNotFound ConflictKind = 2
	// ConflictDuplicate: an inserted row collides with an existing key.
	ConflictDuplicate ConflictKind = 3
	// ConflictConstraint: the change violates a constraint other than the key.
	ConflictConstraint ConflictKind = 4
	// ConflictForeignKey: the applied changes leave foreign keys unsatisfied.
	ConflictForeignKey ConflictKind = 5
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictData:
		return "data"
	case ConflictNotFound:
		return "not_found"
	case ConflictDuplicate:
		return "duplicate"
	case ConflictConstraint:
		return "constraint"
	case ConflictForeignKey:
		return "foreign_key"
	default:
		return fmt.Sprintf("ConflictKind(%d)", int(k))
	}
}

// Replaceable reports whether ResolutionReplace is honored for the kind.
func (k ConflictKind) Replaceable() bool {
	return k == ConflictData || k == ConflictDuplicate
}

func (k ConflictKind) carriesConflictingRow() bool {
	return k == ConflictData || k == ConflictDuplicate
}

// ConflictHandler decides the resolution of one conflict.
type ConflictHandler func(ChangeRecord) Resolution

// ApplyOptions holds the callbacks consulted while a changeset is applied.
// A nil handler resolves its conflicts with abort.
type ApplyOptions struct {
	// Filter reports whether changes to a table are applied. Nil applies
	// every table.
	Filter func(table string) bool

	// OnDataChanged receives the change with the current row in Conflicting.
	OnDataChanged ConflictHandler
	// OnNotFound receives the change whose target row is missing.
	OnNotFound ConflictHandler
	// OnDuplicate receives the insert with the existing row in Conflicting.
	OnDuplicate ConflictHandler
	// OnForeignKey is called once, after all changes, with an empty record.
	OnForeignKey ConflictHandler
	// OnConstraint receives the change that violated a constraint.
	OnConstraint ConflictHandler
}

// handler returns the callback for kind. The second result is false for
// kinds the engine is not expected to raise.
func (o *ApplyOptions) handler(kind ConflictKind) (ConflictHandler, bool) {
	switch kind {
	case ConflictData:
		return o.OnDataChanged, true
	case ConflictNotFound:
		return o.OnNotFound, true
	case ConflictDuplicate:
		return o.OnDuplicate, true
	case ConflictConstraint:
		return o.OnConstraint, true
	case ConflictForeignKey:
		return o.OnForeignKey, true
	default:
		return nil, false
	}
}

// ApplyChangeset replays a changeset or patchset against db.
//
// Conflicts are resolved by opts. If any resolution is abort, the engine
// rolls the apply back and an *Error with CodeAbort is returned. When the
// caller has an explicit transaction open, the rollback only covers the
// apply's own savepoint and committing is the caller's decision.
func (db *DB) ApplyChangeset(ctx context.Context, data []byte, opts *ApplyOptions) error {
	if err := db.ensureOpen(); err != nil {
		return err
	}
	if opts == nil {
		opts = &ApplyOptions{}
	}
	e := db.e

	id := e.callbacks.register(opts)
	defer e.callbacks.unregister(id)

	return e.mem.WithBytes(ctx, data, func(ptr, n uint32) error {
		rc, err := e.call(ctx, fnChangesetApply, uint64(db.handle), uint64(ptr), uint64(n), uint64(id))
		if err != nil {
			return err
		}
		if err := e.check(ctx, rc); err != nil {
			return fmt.Errorf("applying changeset: %w", err)
		}
		return e.takeErrno(ctx)
	})
}
