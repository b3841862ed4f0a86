package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/otelwasm/wasmsqlite/internal/enginetest"
	"github.com/otelwasm/wasmsqlite/vfs"
)

type testEngine struct {
	*Engine
	fake *enginetest.Engine
	rt   *enginetest.Runtime
	logs *observer.ObservedLogs
}

func newTestEngine(t testing.TB, setup ...func(*enginetest.Engine)) *testEngine {
	t.Helper()
	ctx := context.Background()

	rt := enginetest.NewRuntime()
	for _, fn := range setup {
		fn(rt.Engine)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	e, err := NewFromBinary(ctx, nil,
		WithRuntime(rt),
		WithLogger(zap.New(core)),
		WithFS(vfs.New(vfs.WithRoot(t.TempDir()))),
		WithClock(func() time.Time { return time.Unix(0, 0).UTC() }),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.Close(ctx))
	})
	return &testEngine{Engine: e, fake: rt.Engine, rt: rt, logs: logs}
}

// openTable opens an in-memory database holding t(key TEXT PRIMARY KEY,
// value INT) with the given rows.
func (te *testEngine) openTable(t *testing.T, rows ...any) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := te.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(ctx) })
	require.NoError(t, db.Exec(ctx, "CREATE TABLE t (key TEXT PRIMARY KEY, value INT)"))
	for i := 0; i+1 < len(rows); i += 2 {
		require.NoError(t, db.Exec(ctx, "INSERT INTO t (key, value) VALUES (?, ?)", rows[i], rows[i+1]))
	}
	return db
}

// lookup returns the value stored under key, or null when the row is
// missing.
func lookup(t *testing.T, db *DB, key string) Value {
	t.Helper()
	ctx := context.Background()
	rows, err := db.Query(ctx, "SELECT value FROM t WHERE key = ?", key)
	require.NoError(t, err)
	defer func() { require.NoError(t, rows.Close()) }()
	if !rows.Next() {
		require.NoError(t, rows.Err())
		return Null()
	}
	return rows.Values()[0]
}
