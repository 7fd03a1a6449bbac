package daemon

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/syncq/internal/syncq"
	"github.com/openmined/syncq/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, inMemory bool) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.InMemory = inMemory
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Sync.AutoSyncInterval = time.Hour
	return cfg
}

func serve(t *testing.T, d *Daemon) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return base, cancel, done
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrNoDataDir)

	cfg.DataDir = t.TempDir()
	cfg.Sync = nil
	require.NoError(t, cfg.Validate())
	assert.NotNil(t, cfg.Sync)

	cfg.Sync.BatchSize = 0
	assert.ErrorIs(t, cfg.Validate(), syncq.ErrInvalidConfig)
}

func TestDaemon_ServeAndShutdown(t *testing.T) {
	cfg := testConfig(t, true)
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)

	base, cancel, done := serve(t, d)

	body := []byte(`{"table":"todos","action":"create","record":{"id":"t1","title":"x"}}`)
	resp, err := http.Post(base+"/v1/items", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(base+"/v1/sync/now?wait=true", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, d.Engine().State().PendingCount)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.False(t, d.Engine().Running())
	assert.False(t, d.Workspace().Locked())
}

func TestDaemon_SingleInstance(t *testing.T) {
	cfg := testConfig(t, true)
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	_, err = New(context.Background(), cfg)
	assert.ErrorIs(t, err, workspace.ErrWorkspaceLocked)
}

func TestDaemon_QueueSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, false)
	// no pass runs before the restart
	cfg.Sync.AutoSyncInterval = 24 * time.Hour
	ctx := context.Background()

	d, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, d.Engine().Start(ctx, cfg.Sync))
	_, err = d.Engine().Enqueue(ctx, "todos", syncq.ActionCreate, syncq.Record{"id": "t1"}, 0)
	require.NoError(t, err)
	require.NoError(t, d.Stop(ctx))

	assert.FileExists(t, filepath.Join(cfg.DataDir, ".data", "queue.db"))

	d2, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d2.Stop(ctx) })

	items, err := d2.Engine().Items(ctx, syncq.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "todos", items[0].Table)
	assert.Equal(t, syncq.StatusPending, items[0].Status)
}

func TestDaemon_Reload(t *testing.T) {
	cfg := testConfig(t, true)
	ctx := context.Background()
	d, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, d.Engine().Start(ctx, cfg.Sync))
	t.Cleanup(func() { _ = d.Stop(ctx) })

	next := DefaultConfig()
	next.Sync.BatchSize = 5
	next.Sync.ConflictResolution = syncq.ConflictManual
	require.NoError(t, d.Reload(next))

	assert.Equal(t, 5, d.Engine().Config().BatchSize)
	assert.Equal(t, syncq.ConflictManual, d.Engine().Config().ConflictResolution)

	next.Sync.BatchSize = -1
	assert.Error(t, d.Reload(next))
	assert.Equal(t, 5, d.Engine().Config().BatchSize)
}
