package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/payload"
	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/wal"
)

// seed holds IDs written into a fresh database before a command runs.
type seed struct {
	db        string
	pending   string
	completed string
	failed    string
	saga      string
}

func createSeededDB(t *testing.T) seed {
	t.Helper()
	ctx := context.Background()
	s := seed{db: filepath.Join(t.TempDir(), "durable.db")}

	st, err := store.Open(s.db)
	require.NoError(t, err)
	defer st.Close()

	log := wal.New(st)
	p, err := payload.Encode("echo", map[string]string{"msg": "hi"})
	require.NoError(t, err)

	s.pending, err = log.Append(ctx, p)
	require.NoError(t, err)

	s.completed, _, err = log.Execute(ctx, p, func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)

	s.failed, err = log.Append(ctx, p)
	require.NoError(t, err)
	ok, err := log.Claim(ctx, s.failed)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, log.Fail(ctx, s.failed, "downstream rejected"))

	coord := saga.New(st)
	s.saga, err = coord.Start(ctx, "checkout", []string{"reserve_inventory", "charge_payment"}, nil)
	require.NoError(t, err)
	return s
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestWALList(t *testing.T) {
	s := createSeededDB(t)

	out, err := execute(t, "wal", "list", "--db", s.db, "--format", "json")
	require.NoError(t, err)
	var entries []wal.Entry
	decodeData(t, out, &entries)
	assert.Len(t, entries, 3)

	out, err = execute(t, "wal", "list", "--db", s.db, "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, s.failed)
	assert.NotContains(t, out, s.pending)

	_, err = execute(t, "wal", "list", "--db", s.db, "--status", "bogus")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWALShow(t *testing.T) {
	s := createSeededDB(t)

	out, err := execute(t, "wal", "show", s.completed, "--db", s.db)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:      completed")
	assert.Contains(t, out, `{"ok":true}`)

	_, err = execute(t, "wal", "show", "missing", "--db", s.db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestWALCompensate(t *testing.T) {
	s := createSeededDB(t)

	out, err := execute(t, "wal", "compensate", s.failed, "--db", s.db, "--format", "json")
	require.NoError(t, err)
	var e wal.Entry
	decodeData(t, out, &e)
	assert.Equal(t, wal.StatusCompensated, e.Status)

	_, err = execute(t, "wal", "compensate", s.pending, "--db", s.db)
	require.Error(t, err, "only failed entries can be compensated")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSagaShowAndList(t *testing.T) {
	s := createSeededDB(t)

	out, err := execute(t, "saga", "show", s.saga, "--db", s.db, "--format", "json")
	require.NoError(t, err)
	var view struct {
		Summary saga.Summary `json:"summary"`
	}
	decodeData(t, out, &view)
	assert.Equal(t, saga.StatusPending, view.Summary.Status)
	assert.Equal(t, 2, view.Summary.Total)

	out, err = execute(t, "saga", "show", s.saga, "--db", s.db)
	require.NoError(t, err)
	assert.Contains(t, out, "reserve_inventory")

	out, err = execute(t, "saga", "list", "--db", s.db)
	require.NoError(t, err)
	assert.Contains(t, out, s.saga)
	assert.Contains(t, out, "checkout")
}

func TestSweep(t *testing.T) {
	s := createSeededDB(t)

	out, err := execute(t, "sweep", "--db", s.db, "--retention", "1ns", "--format", "json")
	require.NoError(t, err)
	var res SweepResult
	decodeData(t, out, &res)
	assert.Equal(t, int64(1), res.WALSwept, "only the completed entry is swept")
}

func TestRecover(t *testing.T) {
	s := createSeededDB(t)

	out, err := execute(t, "recover", "--db", s.db, "--format", "json")
	require.NoError(t, err)

	var report struct {
		Replay          wal.ReplayStats `json:"replay"`
		UnfinishedSagas []saga.Summary  `json:"unfinished_sagas"`
	}
	decodeData(t, out, &report)
	assert.Equal(t, 1, report.Replay.Total)
	assert.Equal(t, 1, report.Replay.Succeeded)
	require.Len(t, report.UnfinishedSagas, 1)
	assert.Equal(t, s.saga, report.UnfinishedSagas[0].ID)
}

func TestRecover_BadConfig(t *testing.T) {
	_, err := execute(t, "recover", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServe_StartsAndStops(t *testing.T) {
	s := createSeededDB(t)

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions:      &RootOptions{Format: "text", Database: s.db},
		Addr:             "127.0.0.1:0",
		RecoveryInterval: time.Hour,
		Ready:            ready,
	}
	cmd := NewServeCommand(opts.RootOptions)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
