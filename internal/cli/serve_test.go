package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/config"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/testutil"
)

func TestServeMissingScriptsDir(t *testing.T) {
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Listen:      "127.0.0.1:0",
		Scripts:     filepath.Join(t.TempDir(), "nope"),
	}
	cmd := NewServeCommand(opts.RootOptions)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := runServe(opts, cmd)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scripts directory not found")
}

func TestServeRejectsArgs(t *testing.T) {
	_, err := execute(NewServeCommand(&RootOptions{Format: "text"}), "extra")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestServeServesUntilCancelled(t *testing.T) {
	dir := writeScripts(t, map[string]string{"index.go": greetingScript})
	dbPath := filepath.Join(t.TempDir(), "jibbr.db")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		status int
		body   string
	)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Listen:      "127.0.0.1:0",
		Scripts:     dir,
		Database:    dbPath,
		IDs:         testutil.NewSequentialIDs("req"),
		Started: func(addr string) {
			defer cancel()
			resp, err := http.Get("http://" + addr + "/index?name=serve")
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			status, body = resp.StatusCode, string(b)
		},
	}

	out := &bytes.Buffer{}
	cmd := NewServeCommand(opts.RootOptions)
	cmd.SetContext(ctx)
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, runServe(opts, cmd))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello serve", body)
	assert.Contains(t, out.String(), "Serving "+dir+" on http://127.0.0.1:")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	run, err := st.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "serve", run.Label)

	events, err := st.ReadEvents(context.Background(), run.ID, store.EventFilter{Kinds: []store.Kind{store.KindSubmitted}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "request:req-1", events[0].Subject)
}

func TestServeOptionsApply(t *testing.T) {
	cfg := config.Default()
	(&ServeOptions{Listen: ":9000", Workers: 2}).apply(&cfg)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "scripts", cfg.Scripts, "unset flags keep the config value")
}
