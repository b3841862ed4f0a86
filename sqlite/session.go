package sqlite

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Session records the changes made to attached tables of a database.
type Session struct {
	db     *DB
	handle uint32
	closed bool
}

// Session starts recording changes on schema, "main" when empty. Nothing is
// recorded until a table is attached.
func (db *DB) Session(ctx context.Context, schema string) (*Session, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}
	if !db.e.features.Has(FeatureSession) {
		return nil, ErrSessionUnsupported
	}
	if schema == "" {
		schema = "main"
	}
	e := db.e
	h, err := e.withCString(ctx, schema, func(ptr uint32) (uint64, error) {
		return e.call(ctx, fnSessionCreate, uint64(db.handle), uint64(ptr))
	})
	if err != nil {
		return nil, err
	}
	if err := e.takeErrno(ctx); err != nil {
		return nil, fmt.Errorf("creating session on %q: %w", schema, err)
	}
	return &Session{db: db, handle: uint32(h)}, nil
}

// Attach adds a table to the session, or every table when table is empty.
// Attaching is additive.
func (s *Session) Attach(ctx context.Context, table string) error {
	if s.closed {
		return ErrClosed
	}
	e := s.db.e
	var (
		rc  uint64
		err error
	)
	if table == "" {
		rc, err = e.call(ctx, fnSessionAttach, uint64(s.handle), 0)
	} else {
		rc, err = e.withCString(ctx, table, func(ptr uint32) (uint64, error) {
			return e.call(ctx, fnSessionAttach, uint64(s.handle), uint64(ptr))
		})
	}
	if err != nil {
		return err
	}
	if err := e.check(ctx, rc); err != nil {
		return fmt.Errorf("attaching %q: %w", table, err)
	}
	return nil
}

// Changeset returns the changes recorded so far. The session keeps
// recording; a later call returns the accumulated changes again.
func (s *Session) Changeset(ctx context.Context) ([]byte, error) {
	return s.extract(ctx, fnSessionChangeset)
}

// Patchset is like Changeset but old images only carry primary keys and
// updates only carry the columns they change.
func (s *Session) Patchset(ctx context.Context) ([]byte, error) {
	return s.extract(ctx, fnSessionPatchset)
}

func (s *Session) extract(ctx context.Context, fn string) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	e := s.db.e
	ptr, err := e.call(ctx, fn, uint64(s.handle))
	if err != nil {
		return nil, err
	}
	words, err := e.readSwap(1)
	if err == nil {
		err = e.takeErrno(ctx)
	}
	if err != nil {
		if ptr != 0 {
			err = multierr.Append(err, e.mem.Free(ctx, uint32(ptr)))
		}
		return nil, err
	}
	return e.mem.TakeBytes(ctx, uint32(ptr), words[0])
}

// Close deletes the session.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	_, err := s.db.e.call(ctx, fnSessionDelete, uint64(s.handle))
	return err
}
