package sqlite

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DB is an open database connection inside the engine.
type DB struct {
	e      *Engine
	handle uint32
	name   string
	closed bool
}

// Open opens a database. The names "" and ":memory:" open a private
// in-memory database; other names go through the engine's file functions.
func (e *Engine) Open(ctx context.Context, filename string) (*DB, error) {
	if e.closed {
		return nil, ErrClosed
	}
	h, err := e.withCString(ctx, filename, func(ptr uint32) (uint64, error) {
		return e.call(ctx, fnOpen, uint64(ptr))
	})
	if err != nil {
		return nil, err
	}
	if err := e.takeErrno(ctx); err != nil {
		return nil, fmt.Errorf("opening %q: %w", filename, err)
	}
	if h == 0 {
		return nil, fmt.Errorf("opening %q: %w", filename, e.errorf(ctx, CodeCantOpen))
	}
	e.logger.Debug("database opened", zap.String("name", filename), zap.Uint32("handle", uint32(h)))
	return &DB{e: e, handle: uint32(h), name: filename}, nil
}

// Engine returns the engine the connection lives in.
func (db *DB) Engine() *Engine { return db.e }

func (db *DB) ensureOpen() error {
	if db.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the connection. Statements and sessions of the connection
// must be closed first.
func (db *DB) Close(ctx context.Context) error {
	if db.closed {
		return nil
	}
	db.closed = true
	rc, err := db.e.call(ctx, fnClose, uint64(db.handle))
	if err != nil {
		return err
	}
	return db.e.check(ctx, rc)
}

// Prepare compiles a statement meant to be reused.
func (db *DB) Prepare(ctx context.Context, sql string) (*Stmt, error) {
	return db.prepare(ctx, sql, true)
}

func (db *DB) prepare(ctx context.Context, sql string, persistent bool) (*Stmt, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}
	e := db.e
	h, err := e.withCString(ctx, sql, func(ptr uint32) (uint64, error) {
		return e.call(ctx, fnPrepare, uint64(db.handle), uint64(ptr), boolToWire(persistent))
	})
	if err != nil {
		return nil, err
	}
	if err := e.takeErrno(ctx); err != nil {
		return nil, fmt.Errorf("preparing %q: %w", sql, err)
	}
	if h == 0 {
		return nil, fmt.Errorf("preparing %q: %w", sql, &Error{Code: CodeError, Msg: "no statement"})
	}
	return newStmt(ctx, db, uint32(h))
}

// Exec runs a statement that returns no rows.
func (db *DB) Exec(ctx context.Context, sql string, args ...any) (err error) {
	stmt, err := db.prepare(ctx, sql, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stmt.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return stmt.Exec(ctx, args...)
}

// Query runs a statement and returns its rows. Closing the rows finalizes
// the statement.
func (db *DB) Query(ctx context.Context, sql string, args ...any) (*Rows, error) {
	stmt, err := db.prepare(ctx, sql, false)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(ctx, args...)
	if err != nil {
		if cerr := stmt.Close(ctx); cerr != nil {
			db.e.logger.Warn("finalizing statement", zap.Error(cerr))
		}
		return nil, err
	}
	rows.owned = true
	return rows, nil
}
