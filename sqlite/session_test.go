package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/otelwasm/wasmsqlite/internal/enginetest"
)

// capture records the changes fn makes to db.
func capture(t *testing.T, db *DB, fn func()) []byte {
	t.Helper()
	ctx := context.Background()
	sess, err := db.Session(ctx, "main")
	require.NoError(t, err)
	require.NoError(t, sess.Attach(ctx, "t"))
	fn()
	data, err := sess.Changeset(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Close(ctx))
	return data
}

func TestInsertChangeset(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	src := te.openTable(t)

	data := capture(t, src, func() {
		require.NoError(t, src.Exec(ctx, "INSERT INTO t (key, value) VALUES (:key, :value)",
			Named("key", "test"), Named("value", 2333)))
	})

	records, err := te.DumpChangeset(ctx, data)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ChangeRecord{
		Table:     "t",
		Operation: OpInsert,
		Columns:   2,
		New:       []Value{Text("test"), Number(2333)},
	}, records[0])

	t.Run("applies to an empty table", func(t *testing.T) {
		dst := te.openTable(t)
		require.NoError(t, dst.ApplyChangeset(ctx, data, nil))
		assert.Equal(t, Number(2333), lookup(t, dst, "test"))
	})

	t.Run("duplicate aborts by default", func(t *testing.T) {
		dst := te.openTable(t, "test", 1)
		err := dst.ApplyChangeset(ctx, data, nil)
		assert.Equal(t, CodeAbort, ErrorCode(err))
		assert.Equal(t, Number(1), lookup(t, dst, "test"))
	})

	t.Run("duplicate replaced", func(t *testing.T) {
		dst := te.openTable(t, "test", 1)
		var seen ChangeRecord
		err := dst.ApplyChangeset(ctx, data, &ApplyOptions{
			OnDuplicate: func(rec ChangeRecord) Resolution {
				seen = rec
				return ResolutionReplace
			},
		})
		require.NoError(t, err)
		assert.Equal(t, Number(2333), lookup(t, dst, "test"))
		assert.Equal(t, OpInsert, seen.Operation)
		assert.Equal(t, []Value{Text("test"), Number(1)}, seen.Conflicting)
	})

	t.Run("duplicate omitted", func(t *testing.T) {
		dst := te.openTable(t, "test", 1)
		err := dst.ApplyChangeset(ctx, data, &ApplyOptions{
			OnDuplicate: func(ChangeRecord) Resolution { return ResolutionOmit },
		})
		require.NoError(t, err)
		assert.Equal(t, Number(1), lookup(t, dst, "test"))
	})

	assert.Zero(t, te.callbacks.len())
	assert.Zero(t, te.fake.LiveIterators())
	assert.Zero(t, te.fake.LiveSessions())
	assert.Zero(t, te.fake.LiveHostAllocations())
	assert.Empty(t, te.fake.BadFrees())
}

func TestDeleteChangeset(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	src := te.openTable(t, "test", 2333)

	data := capture(t, src, func() {
		require.NoError(t, src.Exec(ctx, "DELETE FROM t WHERE key = ?", "test"))
	})

	records, err := te.DumpChangeset(ctx, data)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t", records[0].Table)
	assert.Equal(t, OpDelete, records[0].Operation)
	assert.Equal(t, []Value{Text("test"), Number(2333)}, records[0].Old)
	assert.Nil(t, records[0].New)
}

func TestUpdateChangesetAndPatchset(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	db := te.openTable(t, "test", 1)

	sess, err := db.Session(ctx, "")
	require.NoError(t, err)
	defer sess.Close(ctx)
	require.NoError(t, sess.Attach(ctx, ""))
	require.NoError(t, db.Exec(ctx, "UPDATE t SET value = ? WHERE key = ?", 5, "test"))

	changeset, err := sess.Changeset(ctx)
	require.NoError(t, err)
	patchset, err := sess.Patchset(ctx)
	require.NoError(t, err)

	records, err := te.DumpChangeset(ctx, changeset)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, OpUpdate, records[0].Operation)
	assert.Equal(t, []Value{Text("test"), Number(1)}, records[0].Old)
	assert.Equal(t, []Value{Text("test"), Number(5)}, records[0].New)

	records, err = te.DumpChangeset(ctx, patchset)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, OpUpdate, records[0].Operation)
	assert.Equal(t, []Value{Text("test"), Null()}, records[0].Old)
	assert.Equal(t, []Value{Text("test"), Number(5)}, records[0].New)

	// Extraction does not reset the session.
	again, err := sess.Changeset(ctx)
	require.NoError(t, err)
	assert.Equal(t, changeset, again)
}

func TestEmptySession(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	db := te.openTable(t)

	data := capture(t, db, func() {})
	assert.Equal(t, []byte{}, data)

	records, err := te.DumpChangeset(ctx, data)
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, db.ApplyChangeset(ctx, data, nil))
	assert.Zero(t, te.fake.LiveHostAllocations())
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	src := te.openTable(t, "keep", 1, "drop", 2, "bump", 3)

	data := capture(t, src, func() {
		require.NoError(t, src.Exec(ctx, "INSERT INTO t VALUES (?, ?)", "new", 4))
		require.NoError(t, src.Exec(ctx, "DELETE FROM t WHERE key = ?", "drop"))
		require.NoError(t, src.Exec(ctx, "UPDATE t SET value = ? WHERE key = ?", 30, "bump"))
	})

	dst := te.openTable(t, "keep", 1, "drop", 2, "bump", 3)
	require.NoError(t, dst.ApplyChangeset(ctx, data, nil))

	for _, key := range []string{"keep", "drop", "bump", "new"} {
		assert.Equal(t, lookup(t, src, key), lookup(t, dst, key), key)
	}
}

func TestConflictResolutions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		source    []any
		change    func(db *DB) error
		target    []any
		conflict  func(table string, op int) int
		opts      func(calls *[]ConflictKind) *ApplyOptions
		wantCode  int
		wantKinds []ConflictKind
		wantValue Value
	}{
		{
			name:   "data changed replaced",
			source: []any{"test", 1},
			change: func(db *DB) error {
				return db.Exec(context.Background(), "UPDATE t SET value = ? WHERE key = ?", 2, "test")
			},
			target: []any{"test", 7},
			opts: func(calls *[]ConflictKind) *ApplyOptions {
				return &ApplyOptions{OnDataChanged: record(calls, ConflictData, ResolutionReplace)}
			},
			wantCode:  CodeOK,
			wantKinds: []ConflictKind{ConflictData},
			wantValue: Number(2),
		},
		{
			name:   "data changed omitted",
			source: []any{"test", 1},
			change: func(db *DB) error {
				return db.Exec(context.Background(), "UPDATE t SET value = ? WHERE key = ?", 2, "test")
			},
			target: []any{"test", 7},
			opts: func(calls *[]ConflictKind) *ApplyOptions {
				return &ApplyOptions{OnDataChanged: record(calls, ConflictData, ResolutionOmit)}
			},
			wantCode:  CodeOK,
			wantKinds: []ConflictKind{ConflictData},
			wantValue: Number(7),
		},
		{
			name:   "not found omitted",
			source: []any{"test", 1},
			change: func(db *DB) error {
				return db.Exec(context.Background(), "DELETE FROM t WHERE key = ?", "test")
			},
			opts: func(calls *[]ConflictKind) *ApplyOptions {
				return &ApplyOptions{OnNotFound: record(calls, ConflictNotFound, ResolutionOmit)}
			},
			wantCode:  CodeOK,
			wantKinds: []ConflictKind{ConflictNotFound},
			wantValue: Null(),
		},
		{
			name:   "not found cannot be replaced",
			source: []any{"test", 1},
			change: func(db *DB) error {
				return db.Exec(context.Background(), "DELETE FROM t WHERE key = ?", "test")
			},
			opts: func(calls *[]ConflictKind) *ApplyOptions {
				return &ApplyOptions{OnNotFound: record(calls, ConflictNotFound, ResolutionReplace)}
			},
			wantCode:  CodeAbort,
			wantKinds: []ConflictKind{ConflictNotFound},
			wantValue: Null(),
		},
		{
			name: "constraint omitted",
			change: func(db *DB) error {
				return db.Exec(context.Background(), "INSERT INTO t VALUES (?, ?)", "test", 1)
			},
			conflict: func(string, int) int { return int(ConflictConstraint) },
			opts: func(calls *[]ConflictKind) *ApplyOptions {
				return &ApplyOptions{OnConstraint: record(calls, ConflictConstraint, ResolutionOmit)}
			},
			wantCode:  CodeOK,
			wantKinds: []ConflictKind{ConflictConstraint},
			wantValue: Null(),
		},
		{
			name: "constraint aborted",
			change: func(db *DB) error {
				return db.Exec(context.Background(), "INSERT INTO t VALUES (?, ?)", "test", 1)
			},
			conflict: func(string, int) int { return int(ConflictConstraint) },
			opts: func(calls *[]ConflictKind) *ApplyOptions {
				return &ApplyOptions{OnConstraint: record(calls, ConflictConstraint, ResolutionAbort)}
			},
			wantCode:  CodeAbort,
			wantKinds: []ConflictKind{ConflictConstraint},
			wantValue: Null(),
		},
		{
			name: "foreign key omitted",
			change: func(db *DB) error {
				return db.Exec(context.Background(), "INSERT INTO t VALUES (?, ?)", "test", 1)
			},
			conflict: func(string, int) int { return int(ConflictForeignKey) },
			opts: func(calls *[]ConflictKind) *ApplyOptions {
				return &ApplyOptions{OnForeignKey: func(rec ChangeRecord) Resolution {
					*calls = append(*calls, ConflictForeignKey)
					if rec.Operation != OpUnknown || rec.Table != "" {
						return ResolutionAbort
					}
					return ResolutionOmit
				}}
			},
			wantCode:  CodeOK,
			wantKinds: []ConflictKind{ConflictForeignKey},
			wantValue: Number(1),
		},
		{
			name: "foreign key without handler",
			change: func(db *DB) error {
				return db.Exec(context.Background(), "INSERT INTO t VALUES (?, ?)", "test", 1)
			},
			conflict:  func(string, int) int { return int(ConflictForeignKey) },
			opts:      func(*[]ConflictKind) *ApplyOptions { return nil },
			wantCode:  CodeConstraint,
			wantValue: Null(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t)
			src := te.openTable(t, tt.source...)
			data := capture(t, src, func() { require.NoError(t, tt.change(src)) })

			dst := te.openTable(t, tt.target...)
			te.fake.Conflict = tt.conflict

			var calls []ConflictKind
			err := dst.ApplyChangeset(ctx, data, tt.opts(&calls))
			te.fake.Conflict = nil

			if tt.wantCode == CodeOK {
				require.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantCode, ErrorCode(err), "error: %v", err)
			}
			assert.Equal(t, tt.wantKinds, calls)
			assert.True(t, tt.wantValue.Equal(lookup(t, dst, "test")), "value = %v, want %v", lookup(t, dst, "test"), tt.wantValue)
			assert.Zero(t, te.callbacks.len())
			assert.Zero(t, te.fake.LiveIterators())
		})
	}
}

func record(calls *[]ConflictKind, kind ConflictKind, res Resolution) ConflictHandler {
	return func(ChangeRecord) Resolution {
		*calls = append(*calls, kind)
		return res
	}
}

func TestConflictFailsClosed(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    *ApplyOptions
		wantLog string
	}{
		{
			name:    "panicking handler",
			opts:    &ApplyOptions{OnDuplicate: func(ChangeRecord) Resolution { panic("boom") }},
			wantLog: "conflict handler failed",
		},
		{
			name:    "unrecognized resolution",
			opts:    &ApplyOptions{OnDuplicate: func(ChangeRecord) Resolution { return "skip" }},
			wantLog: "unrecognized resolution, aborting",
		},
		{
			name:    "missing handler",
			opts:    &ApplyOptions{OnNotFound: func(ChangeRecord) Resolution { return ResolutionOmit }},
			wantLog: "no conflict handler, aborting",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t)
			src := te.openTable(t)
			data := capture(t, src, func() {
				require.NoError(t, src.Exec(ctx, "INSERT INTO t VALUES (?, ?)", "test", 2333))
			})
			dst := te.openTable(t, "test", 1)

			err := dst.ApplyChangeset(ctx, data, tt.opts)
			assert.Equal(t, CodeAbort, ErrorCode(err))
			assert.Equal(t, Number(1), lookup(t, dst, "test"))
			assert.Equal(t, 1, te.logs.FilterMessage(tt.wantLog).Len())
			assert.Zero(t, te.callbacks.len())
		})
	}
}

func TestConflictUnresolvedAbortsEveryKind(t *testing.T) {
	ctx := context.Background()

	insert := func(db *DB) error {
		return db.Exec(context.Background(), "INSERT INTO t VALUES (?, ?)", "test", 2333)
	}
	kinds := []struct {
		kind      ConflictKind
		source    []any
		change    func(db *DB) error
		target    []any
		conflict  func(table string, op int) int
		wantCode  int
		wantValue Value
	}{
		{
			kind:   ConflictData,
			source: []any{"test", 1},
			change: func(db *DB) error {
				return db.Exec(context.Background(), "UPDATE t SET value = ? WHERE key = ?", 2, "test")
			},
			target:    []any{"test", 7},
			wantCode:  CodeAbort,
			wantValue: Number(7),
		},
		{
			kind:   ConflictNotFound,
			source: []any{"test", 1},
			change: func(db *DB) error {
				return db.Exec(context.Background(), "DELETE FROM t WHERE key = ?", "test")
			},
			wantCode:  CodeAbort,
			wantValue: Null(),
		},
		{
			kind:      ConflictDuplicate,
			change:    insert,
			target:    []any{"test", 1},
			wantCode:  CodeAbort,
			wantValue: Number(1),
		},
		{
			kind:      ConflictConstraint,
			change:    insert,
			conflict:  func(string, int) int { return int(ConflictConstraint) },
			wantCode:  CodeAbort,
			wantValue: Null(),
		},
		{
			kind:      ConflictForeignKey,
			change:    insert,
			conflict:  func(string, int) int { return int(ConflictForeignKey) },
			wantCode:  CodeConstraint,
			wantValue: Null(),
		},
	}
	handlers := []struct {
		name    string
		handler ConflictHandler
	}{
		{name: "unrecognized resolution", handler: func(ChangeRecord) Resolution { return "bogus" }},
		{name: "nil handler"},
	}

	for _, k := range kinds {
		for _, h := range handlers {
			t.Run(k.kind.String()+"/"+h.name, func(t *testing.T) {
				te := newTestEngine(t)
				src := te.openTable(t, k.source...)
				data := capture(t, src, func() { require.NoError(t, k.change(src)) })
				dst := te.openTable(t, k.target...)

				// Every other kind omits, so only the kind under test can abort.
				omit := func(ChangeRecord) Resolution { return ResolutionOmit }
				opts := &ApplyOptions{
					OnDataChanged: omit,
					OnNotFound:    omit,
					OnDuplicate:   omit,
					OnConstraint:  omit,
					OnForeignKey:  omit,
				}
				switch k.kind {
				case ConflictData:
					opts.OnDataChanged = h.handler
				case ConflictNotFound:
					opts.OnNotFound = h.handler
				case ConflictDuplicate:
					opts.OnDuplicate = h.handler
				case ConflictConstraint:
					opts.OnConstraint = h.handler
				case ConflictForeignKey:
					opts.OnForeignKey = h.handler
				}

				te.fake.Conflict = k.conflict
				err := dst.ApplyChangeset(ctx, data, opts)
				te.fake.Conflict = nil

				assert.Equal(t, k.wantCode, ErrorCode(err), "error: %v", err)
				got := lookup(t, dst, "test")
				assert.True(t, k.wantValue.Equal(got), "value = %v, want %v", got, k.wantValue)
				assert.Zero(t, te.callbacks.len())
				assert.Zero(t, te.fake.LiveIterators())
				assert.Zero(t, te.fake.LiveHostAllocations())
			})
		}
	}
}

func TestResolveConflictUnknownContext(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	got := te.fake.CallHost(ctx, sessionModuleName, sessionConflict, 42, uint64(ConflictData), 0)
	assert.Equal(t, []uint64{2}, got)

	id := te.callbacks.register(&ApplyOptions{})
	defer te.callbacks.unregister(id)
	got = te.fake.CallHost(ctx, sessionModuleName, sessionConflict, uint64(id), 9, 0)
	assert.Equal(t, []uint64{2}, got)
	assert.Equal(t, 1, te.logs.FilterMessage("unknown conflict kind").Len())

	assert.Equal(t, []uint64{0}, te.fake.CallHost(ctx, sessionModuleName, sessionFilter, 42, 0))
}

func TestApplyFilter(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	src := te.openTable(t)
	data := capture(t, src, func() {
		require.NoError(t, src.Exec(ctx, "INSERT INTO t VALUES (?, ?)", "test", 2333))
	})

	t.Run("excluded", func(t *testing.T) {
		dst := te.openTable(t)
		var tables []string
		err := dst.ApplyChangeset(ctx, data, &ApplyOptions{Filter: func(table string) bool {
			tables = append(tables, table)
			return false
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"t"}, tables)
		assert.True(t, lookup(t, dst, "test").IsNull())
	})

	t.Run("included", func(t *testing.T) {
		dst := te.openTable(t)
		err := dst.ApplyChangeset(ctx, data, &ApplyOptions{Filter: func(string) bool { return true }})
		require.NoError(t, err)
		assert.Equal(t, Number(2333), lookup(t, dst, "test"))
	})

	t.Run("panicking filter excludes", func(t *testing.T) {
		dst := te.openTable(t)
		err := dst.ApplyChangeset(ctx, data, &ApplyOptions{Filter: func(string) bool { panic("boom") }})
		require.NoError(t, err)
		assert.True(t, lookup(t, dst, "test").IsNull())
		logs := te.logs.FilterMessage("changeset filter panicked").All()
		require.Len(t, logs, 1)
		assert.Equal(t, zapcore.ErrorLevel, logs[0].Level)
	})
}

func TestReentrantHandler(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	src := te.openTable(t)
	data := capture(t, src, func() {
		require.NoError(t, src.Exec(ctx, "INSERT INTO t VALUES (?, ?)", "test", 2333))
	})
	dst := te.openTable(t, "test", 1)

	var current Value
	err := dst.ApplyChangeset(ctx, data, &ApplyOptions{
		OnDuplicate: func(rec ChangeRecord) Resolution {
			key, _ := rec.New[0].Str()
			current = lookup(t, dst, key)
			// Nested use of the engine must not disturb the outer record.
			if _, err := te.DumpChangeset(ctx, data); err != nil {
				return ResolutionAbort
			}
			return ResolutionOmit
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Number(1), current)
	assert.Zero(t, te.callbacks.len())
}

func TestNestedApplyGetsOwnContext(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	src := te.openTable(t)
	data := capture(t, src, func() {
		require.NoError(t, src.Exec(ctx, "INSERT INTO t VALUES (?, ?)", "test", 2333))
	})
	outer := te.openTable(t, "test", 1)
	inner := te.openTable(t)

	var innerErr error
	err := outer.ApplyChangeset(ctx, data, &ApplyOptions{
		OnDuplicate: func(ChangeRecord) Resolution {
			assert.Equal(t, 1, te.callbacks.len())
			innerErr = inner.ApplyChangeset(ctx, data, &ApplyOptions{})
			return ResolutionOmit
		},
	})
	require.NoError(t, err)
	require.NoError(t, innerErr)
	assert.Equal(t, Number(2333), lookup(t, inner, "test"))
	assert.Equal(t, Number(1), lookup(t, outer, "test"))
}

func TestRegistryLowestFreeID(t *testing.T) {
	r := newRegistry()
	a := r.register(&ApplyOptions{})
	b := r.register(&ApplyOptions{})
	c := r.register(&ApplyOptions{})
	assert.Equal(t, []uint32{0, 1, 2}, []uint32{a, b, c})

	r.unregister(b)
	assert.Equal(t, uint32(1), r.register(&ApplyOptions{}))
	r.unregister(a)
	assert.Equal(t, uint32(0), r.register(&ApplyOptions{}))
	assert.Equal(t, 3, r.len())
}

func TestChangesetIterator(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	src := te.openTable(t)
	data := capture(t, src, func() {
		for i, key := range []string{"a", "b", "c"} {
			require.NoError(t, src.Exec(ctx, "INSERT INTO t VALUES (?, ?)", key, i))
		}
	})

	t.Run("exhausts", func(t *testing.T) {
		it, err := te.Changeset(ctx, data)
		require.NoError(t, err)
		var keys []Value
		for it.Next() {
			keys = append(keys, it.Record().New[0])
		}
		require.NoError(t, it.Err())
		assert.False(t, it.Next())
		require.NoError(t, it.Close())
		require.NoError(t, it.Close())
		assert.Equal(t, []Value{Text("a"), Text("b"), Text("c")}, keys)
		assert.Equal(t, 1, te.fake.Calls(fnChangesetFinalize))
	})

	t.Run("early break finalizes", func(t *testing.T) {
		for i := range 200 {
			before := te.fake.Calls(fnChangesetFinalize)
			it, err := te.Changeset(ctx, data)
			require.NoError(t, err)
			for rec, err := range it.All() {
				require.NoError(t, err)
				assert.Equal(t, OpInsert, rec.Operation)
				break
			}
			require.Equal(t, before+1, te.fake.Calls(fnChangesetFinalize), "iteration %d", i)
			require.Zero(t, te.fake.LiveIterators(), "iteration %d", i)
			require.Zero(t, te.fake.LiveHostAllocations(), "iteration %d", i)
		}
	})

	t.Run("input stays valid while iterating", func(t *testing.T) {
		it, err := te.Changeset(ctx, data)
		require.NoError(t, err)
		n := 0
		for _, err := range it.All() {
			require.NoError(t, err)
			// Allocations between steps must not reuse the input buffer.
			require.NoError(t, te.mem.WithBytes(ctx, make([]byte, len(data)), func(uint32, uint32) error { return nil }))
			te.fake.Grow(1)
			n++
		}
		assert.Equal(t, 3, n)
	})

	assert.Zero(t, te.fake.LiveIterators())
	assert.Zero(t, te.fake.LiveHostAllocations())
	assert.Empty(t, te.fake.BadFrees())
	assert.Zero(t, te.fake.StaleViews())
}

func TestCorruptChangeset(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	db := te.openTable(t)

	_, err := te.Changeset(ctx, []byte("not a changeset"))
	assert.Equal(t, 11, ErrorCode(err))

	err = db.ApplyChangeset(ctx, []byte("not a changeset"), nil)
	assert.Equal(t, 11, ErrorCode(err))

	assert.Zero(t, te.fake.LiveIterators())
	assert.Zero(t, te.fake.LiveHostAllocations())
	assert.Zero(t, te.callbacks.len())
}

func TestChangesetStartWithoutIterator(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	src := te.openTable(t)
	data := capture(t, src, func() {
		require.NoError(t, src.Exec(ctx, "INSERT INTO t VALUES (?, ?)", "test", 2333))
	})

	te.fake.Override("helper_changeset_start", func([]uint64) []uint64 { return []uint64{0} })

	it, err := te.Changeset(ctx, data)
	assert.Nil(t, it)
	assert.Equal(t, CodeError, ErrorCode(err), "error: %v", err)
	assert.Zero(t, te.fake.LiveHostAllocations())
	assert.Empty(t, te.fake.BadFrees())
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	db := te.openTable(t)

	_, err := db.Session(ctx, "temp")
	assert.Equal(t, CodeError, ErrorCode(err))
	assert.Zero(t, te.fake.Errno())

	sess, err := db.Session(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, te.fake.LiveSessions())
	require.NoError(t, sess.Close(ctx))
	require.NoError(t, sess.Close(ctx))
	assert.Zero(t, te.fake.LiveSessions())

	_, err = sess.Changeset(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, sess.Attach(ctx, "t"), ErrClosed)
}

func TestSessionOnlyRecordsAttachedTables(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	db := te.openTable(t)
	require.NoError(t, db.Exec(ctx, "CREATE TABLE u (id INT PRIMARY KEY, name TEXT)"))

	sess, err := db.Session(ctx, "main")
	require.NoError(t, err)
	defer sess.Close(ctx)
	require.NoError(t, sess.Attach(ctx, "u"))

	require.NoError(t, db.Exec(ctx, "INSERT INTO t VALUES (?, ?)", "test", 1))
	require.NoError(t, db.Exec(ctx, "INSERT INTO u VALUES (?, ?)", 1, "one"))

	data, err := sess.Changeset(ctx)
	require.NoError(t, err)
	records, err := te.DumpChangeset(ctx, data)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "u", records[0].Table)
}

func TestUnknownOperation(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	data := enginetest.Encode(enginetest.Changeset{Changes: []enginetest.Change{
		{Table: "t", Op: 42, New: []enginetest.Cell{{Type: enginetest.TypeText, Text: "x"}}},
	}})
	_, err := te.DumpChangeset(ctx, data)
	require.ErrorIs(t, err, ErrUnknownOperation)
	assert.Zero(t, te.fake.LiveIterators())
	assert.Zero(t, te.fake.LiveHostAllocations())
}

func TestChangeRecordJSON(t *testing.T) {
	rec := ChangeRecord{Table: "t", Operation: OpDelete, Columns: 2, Old: []Value{Text("test"), Number(2333)}}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"table":"t","operation":"delete","columns":2,"indirect":false,"old":["test",2333]}`, string(b))
}
