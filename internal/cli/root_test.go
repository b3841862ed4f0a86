package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/otelwasm/wasmsqlite/internal/enginetest"
	"github.com/otelwasm/wasmsqlite/sqlite"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	assert.Equal(t, "wasmsqlite", cmd.Use)
	assert.True(t, cmd.SilenceUsage)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"query", "capture", "dump", "apply"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	for _, flag := range []string{"config", "wasm", "dir", "verbose", "format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
}

func TestCommandFlags(t *testing.T) {
	opts := &RootOptions{}

	capture := NewCaptureCommand(opts)
	for _, flag := range []string{"exec", "table", "patchset"} {
		assert.NotNil(t, capture.Flags().Lookup(flag), "capture missing flag %s", flag)
	}

	apply := NewApplyCommand(opts)
	require.NotNil(t, apply.Flags().Lookup("on-conflict"))
	assert.Equal(t, "abort", apply.Flags().Lookup("on-conflict").DefValue)
	assert.NotNil(t, apply.Flags().Lookup("table"))
}

// harness runs commands against one fake engine so database state carries
// over between invocations.
type harness struct {
	t      *testing.T
	rt     *enginetest.Runtime
	wasm   string
	logger *zap.Logger
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	wasm := filepath.Join(dir, "sqlite3.wasm")
	require.NoError(t, os.WriteFile(wasm, []byte("\x00asm\x01\x00\x00\x00"), 0o644))
	core, logs := observer.New(zap.DebugLevel)
	return &harness{t: t, rt: enginetest.NewRuntime(), wasm: wasm, logger: zap.New(core), logs: logs}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	opts := &RootOptions{
		Logger:        h.logger,
		EngineOptions: []sqlite.Option{sqlite.WithRuntime(h.rt)},
	}
	cmd := newRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--wasm", h.wasm, "--dir", filepath.Dir(h.wasm)}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "wasmsqlite %s", strings.Join(args, " "))
	return out
}

func TestInvalidFormat(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("--format", "xml", "query", "test.db", "SELECT * FROM t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMissingWasm(t *testing.T) {
	t.Setenv("WASMSQLITE_PATH", "")
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"dump", "missing.changeset"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestInvalidConflictPolicy(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("apply", "--on-conflict", "merge", "test.db", "x.changeset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid conflict policy")
}

func TestQuery(t *testing.T) {
	h := newHarness(t)
	h.mustRun("query", "test.db", "CREATE TABLE t(key TEXT PRIMARY KEY, value INT)")
	h.mustRun("query", "test.db", "INSERT INTO t VALUES (?, ?)", "a", "1")
	h.mustRun("query", "test.db", "INSERT INTO t VALUES (?, ?)", "b", "NULL")

	out := h.mustRun("query", "test.db", "SELECT key, value FROM t ORDER BY key")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"key", "value"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{`"a"`, "1"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{`"b"`, "NULL"}, strings.Fields(lines[2]))

	out = h.mustRun("--format", "json", "query", "test.db", "SELECT key, value FROM t WHERE key = ?", "a")
	var row map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &row))
	assert.Equal(t, map[string]any{"key": "a", "value": 1.0}, row)
}

func TestQueryError(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("query", "test.db", "SELECT * FROM missing")
	require.Error(t, err)
}

func TestCaptureDumpApply(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Dir(h.wasm)
	changeset := filepath.Join(dir, "insert.changeset")

	h.mustRun("query", "test.db", "CREATE TABLE t(key TEXT PRIMARY KEY, value INT)")
	out := h.mustRun("capture", "test.db", changeset, "-e", "INSERT INTO t VALUES ('test', 2333)")
	assert.Contains(t, out, "captured 1 change(s)")

	out = h.mustRun("--format", "json", "dump", changeset)
	var rec struct {
		Table     string `json:"table"`
		Operation string `json:"operation"`
		New       []any  `json:"new"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "t", rec.Table)
	assert.Equal(t, "insert", rec.Operation)
	assert.Equal(t, []any{"test", 2333.0}, rec.New)

	out = h.mustRun("dump", changeset)
	assert.Equal(t, "insert t new=(\"test\", 2333)\n", out)

	h.mustRun("query", "other.db", "CREATE TABLE t(key TEXT PRIMARY KEY, value INT)")
	h.mustRun("query", "other.db", "INSERT INTO t VALUES ('test', 1)")

	_, err := h.run("apply", "other.db", changeset)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "applying")
	out = h.mustRun("--format", "json", "query", "other.db", "SELECT value FROM t WHERE key = 'test'")
	assert.JSONEq(t, `{"value":1}`, out)

	out = h.mustRun("apply", "--on-conflict", "replace", "other.db", changeset)
	assert.Contains(t, out, "duplicate=1")
	assert.Zero(t, h.logs.FilterLevelExact(zap.WarnLevel).Len())

	out = h.mustRun("--format", "json", "query", "other.db", "SELECT value FROM t WHERE key = 'test'")
	var row map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &row))
	assert.Equal(t, 2333.0, row["value"])
}

func TestApplyTableFilter(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Dir(h.wasm)
	changeset := filepath.Join(dir, "insert.changeset")

	h.mustRun("query", "test.db", "CREATE TABLE t(key TEXT PRIMARY KEY, value INT)")
	h.mustRun("capture", "test.db", changeset, "-t", "t", "-e", "INSERT INTO t VALUES ('k', 7)")

	h.mustRun("query", "other.db", "CREATE TABLE t(key TEXT PRIMARY KEY, value INT)")
	h.mustRun("apply", "-t", "u", "other.db", changeset)

	out := h.mustRun("--format", "json", "query", "other.db", "SELECT key FROM t")
	assert.Empty(t, strings.TrimSpace(out))

	h.mustRun("apply", "-t", "T", "other.db", changeset)
	out = h.mustRun("--format", "json", "query", "other.db", "SELECT key FROM t")
	assert.JSONEq(t, `{"key":"k"}`, out)
}

func TestCapturePatchset(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Dir(h.wasm)
	patchset := filepath.Join(dir, "update.patchset")

	h.mustRun("query", "test.db", "CREATE TABLE t(key TEXT PRIMARY KEY, value INT)")
	h.mustRun("query", "test.db", "INSERT INTO t VALUES ('k', 1)")
	out := h.mustRun("--format", "json", "capture", "--patchset", "test.db", patchset,
		"-e", "UPDATE t SET value = 2 WHERE key = 'k'")

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1.0, summary["changes"])
	assert.Equal(t, patchset, summary["output"])

	out = h.mustRun("dump", patchset)
	assert.True(t, strings.HasPrefix(out, "update t"), out)
}
