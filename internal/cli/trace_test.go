package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/testutil"
)

// seedJournal writes two runs; "run-2" holds an import suspension that was
// resumed and an outbound one that never was.
func seedJournal(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jibbr.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.BeginRun(ctx, "run-1", "serve", testutil.Epoch))
	require.NoError(t, st.BeginRun(ctx, "run-2", "request", testutil.Epoch.Add(time.Hour)))

	require.NoError(t, st.AppendEvent(ctx, store.Event{
		RunID: "run-1", Seq: 1, Kind: store.KindSubmitted, BaseName: "old", Subject: "request:a",
	}))

	events := []store.Event{
		{Seq: 1, Kind: store.KindSubmitted, BaseName: "index", Subject: "request:r1"},
		{Seq: 2, Kind: store.KindState, BaseName: "index", Subject: "env:index/index",
			Detail: map[string]string{"from": "uninitialized", "to": "initializing"}},
		{Seq: 3, Kind: store.KindSuspended, BaseName: "index", Subject: "request:r1",
			PendingKey: "pending-1", Reason: "import", Detail: map[string]string{"module": "util"}},
		{Seq: 4, Kind: store.KindResumed, BaseName: "index", Subject: "request:r1",
			PendingKey: "pending-1", Reason: "import"},
		{Seq: 5, Kind: store.KindSuspended, BaseName: "index", Subject: "request:r1",
			PendingKey: "pending-2", Reason: "outbound",
			Detail: map[string]string{"method": "GET", "url": "http://upstream.test/"}},
		{Seq: 6, Kind: store.KindSubmitted, BaseName: "chat", Subject: "connection:c1"},
	}
	for _, ev := range events {
		ev.RunID = "run-2"
		require.NoError(t, st.AppendEvent(ctx, ev))
	}
	return dbPath
}

func TestTraceNoDatabase(t *testing.T) {
	_, err := execute(NewTraceCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no database")
}

func TestTraceNonExistentDatabase(t *testing.T) {
	_, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", "/nonexistent/path/jibbr.db")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestTraceRejectsNonJournal(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(dbPath, []byte("not a database"), 0o644))

	_, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to open database")

	data, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "not a database", string(data), "trace must not write to the file")
}

func TestTraceEmptyJournal(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jibbr.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal has no runs")
}

func TestTraceLatestRunText(t *testing.T) {
	dbPath := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.NoError(t, err)

	assert.Contains(t, out, "Trace for Run: run-2")
	assert.Contains(t, out, "Label: request")
	assert.Contains(t, out, "[1] submitted index request:r1")
	assert.Contains(t, out, `[2] state     index env:index/index {"from":"uninitialized","to":"initializing"}`)
	assert.Contains(t, out, "[3] suspended index request:r1 pending-1 import\n")
	assert.Contains(t, out, "Total Events: 6")
	assert.Contains(t, out, "Outstanding: 1")
	assert.NotContains(t, out, "request:a")
}

func TestTraceVerboseShowsDetail(t *testing.T) {
	dbPath := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "text", Verbose: true}), "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, `[3] suspended index request:r1 pending-1 import {"module":"util"}`)
}

func TestTraceFilters(t *testing.T) {
	dbPath := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "json"}),
		"--db", dbPath, "--base", "index", "--kind", "suspended", "--kind", "resumed")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-2", resp.Data.RunID)
	require.Len(t, resp.Data.Timeline, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{resp.Data.Timeline[0].Seq, resp.Data.Timeline[1].Seq, resp.Data.Timeline[2].Seq})
	assert.Equal(t, map[string]int{"suspended": 2, "resumed": 1}, resp.Data.Stats.ByKind)
	assert.Equal(t, 1, resp.Data.Stats.Outstanding)
	assert.Equal(t, "http://upstream.test/", resp.Data.Timeline[2].Detail["url"])
	assert.Len(t, resp.Data.Timeline[0].Hash, 64)
	assert.NotEqual(t, resp.Data.Timeline[0].Hash, resp.Data.Timeline[2].Hash)
}

func TestTraceAfterAndLimit(t *testing.T) {
	dbPath := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "json"}), "--db", dbPath, "--after", "2", "--limit", "2")
	require.NoError(t, err)

	var resp struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Timeline, 2)
	assert.Equal(t, int64(3), resp.Data.Timeline[0].Seq)
	assert.Equal(t, int64(4), resp.Data.Timeline[1].Seq)
}

func TestTraceSpecificRun(t *testing.T) {
	dbPath := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath, "--run", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Trace for Run: run-1")
	assert.Contains(t, out, "[1] submitted old request:a")

	_, err = execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath, "--run", "run-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found: run-9")
}

func TestTraceUnknownKind(t *testing.T) {
	dbPath := seedJournal(t)

	_, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath, "--kind", "finished")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `unknown kind "finished"`)
}

func TestTraceListRuns(t *testing.T) {
	dbPath := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "json"}), "--db", dbPath, "--runs")
	require.NoError(t, err)

	var resp struct {
		Data []RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "run-2", resp.Data[0].ID, "most recent first")
	assert.Equal(t, "run-1", resp.Data[1].ID)

	text, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath, "--runs")
	require.NoError(t, err)
	assert.Contains(t, text, "run-2  request  2024-01-01T01:00:00Z")
}

func TestBuildStats(t *testing.T) {
	stats := buildStats([]store.Event{
		{Kind: store.KindSuspended, PendingKey: "k1"},
		{Kind: store.KindSuspended, PendingKey: "k2"},
		{Kind: store.KindAbandoned, PendingKey: "k2"},
		{Kind: store.KindResponded},
	})
	assert.Equal(t, 4, stats.TotalEvents)
	assert.Equal(t, 1, stats.Outstanding)
	assert.Equal(t, 2, stats.ByKind["suspended"])
}
