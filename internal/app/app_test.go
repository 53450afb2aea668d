package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	"github.com/JakeFAU/vitalrecords-crawler/internal/config"
	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
	"github.com/JakeFAU/vitalrecords-crawler/internal/portal"
	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
)

func testConfig(t *testing.T, backend, format string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Portal: portal.DefaultConfig(),
		Checkpoint: config.CheckpointConfig{
			Backend: backend,
			Path:    filepath.Join(dir, "state", "checkpoint.db"),
		},
		Sink: config.SinkConfig{Format: format, Path: filepath.Join(dir, "out", "records."+format)},
	}
	return cfg
}

func TestNewApp_SQLiteCheckpointSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t, config.BackendSQLite, config.FormatCSV)

	a, err := NewApp(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	store, err := a.OpenCheckpoint(ctx, true)
	require.NoError(t, err)
	again, err := a.OpenCheckpoint(ctx, false)
	require.NoError(t, err)
	require.Same(t, store, again)
	require.NoError(t, store.CompleteNode(ctx, "||",
		checkpoint.NodeState{Status: checkpoint.NodeDone, Outcome: checkpoint.OutcomeEmpty}, nil))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	a, err = NewApp(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	store, err = a.OpenCheckpoint(ctx, true)
	require.NoError(t, err)
	st, ok := store.Node("||")
	require.True(t, ok)
	require.Equal(t, checkpoint.OutcomeEmpty, st.Outcome)
}

func TestNewApp_Backends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, backend := range []string{config.BackendMemory, config.BackendBadger} {
		a, err := NewApp(ctx, testConfig(t, backend, config.FormatCSV), nil)
		require.NoError(t, err, backend)
		_, err = a.OpenCheckpoint(ctx, true)
		require.NoError(t, err, backend)
		require.NoError(t, a.Close(), backend)
	}

	_, err := NewApp(ctx, testConfig(t, "etcd", config.FormatCSV), nil)
	require.Error(t, err)

	cfg := testConfig(t, config.BackendPostgres, config.FormatCSV)
	_, err = NewApp(ctx, cfg, nil)
	require.Error(t, err, "postgres without a dsn")
}

func TestApp_OpenSinkCSVUsesProfileFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t, config.BackendMemory, config.FormatCSV)
	cfg.Portal.ProfileFields = []portal.ProfileField{{Name: "County", Selector: "#county"}}

	a, err := NewApp(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	sink, err := a.OpenSink()
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, crawler.Record{
		RowID:  "r1",
		Fields: map[string]string{"County": "Anoka", portal.ProfileURLField: "https://moms.mn.gov/Certificate?id=1"},
	}))
	require.NoError(t, sink.Close())

	body, err := os.ReadFile(cfg.Sink.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "County,Profile URL,row_id"))
	require.True(t, strings.HasPrefix(lines[1], "Anoka,https://moms.mn.gov/Certificate?id=1,r1"))
}

func TestApp_OpenSinkJSONL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t, config.BackendMemory, config.FormatJSONL)

	a, err := NewApp(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	sink, err := a.OpenSink()
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, crawler.Record{RowID: "r1"}))
	require.NoError(t, sink.Close())

	body, err := os.ReadFile(cfg.Sink.Path)
	require.NoError(t, err)
	require.Contains(t, string(body), `"row_id":"r1"`)

	cfg.Sink.Format = "parquet"
	b, err := NewApp(ctx, cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	_, err = b.OpenSink()
	require.Error(t, err)
}

func TestApp_HubFeedsRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t, config.BackendMemory, config.FormatCSV)
	cfg.Ops.EventBatchSize = 1

	a, err := NewApp(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	hub, err := a.NewHub()
	require.NoError(t, err)
	hub.Emit(progress.Event{RunID: "run-1", TS: time.Now(), Stage: progress.StageRunStart})
	require.NoError(t, hub.Close(ctx))

	families, err := a.GetRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "vitalcrawl_runs_started_total" {
			found = mf.GetMetric()[0].GetCounter().GetValue() == 1
		}
	}
	require.True(t, found)
}
