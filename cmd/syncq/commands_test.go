package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/openmined/syncq/internal/codec"
	"github.com/openmined/syncq/internal/controlplane"
	"github.com/openmined/syncq/internal/syncq"
	"github.com/openmined/syncq/internal/version"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type fakeControlPlane struct {
	*httptest.Server
	mu       sync.Mutex
	lastAuth string
	lastPath string
}

func (f *fakeControlPlane) last() (auth, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth, f.lastPath
}

func newFakeControlPlane(t *testing.T) *fakeControlPlane {
	t.Helper()
	f := &fakeControlPlane{}
	last := time.Now().Add(-2 * time.Minute)

	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		data, _ := codec.Marshal(v)
		w.Write(data)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, controlplane.StatusResponse{
			Running: true,
			State: syncq.SyncState{
				Status:          syncq.EngineIdle,
				LastSyncTime:    &last,
				PendingCount:    3,
				DeadLetterCount: 1,
				IsOnline:        false,
			},
		})
	})
	mux.HandleFunc("GET /v1/history", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, controlplane.HistoryResponse{History: []syncq.PassResult{}})
	})
	mux.HandleFunc("POST /v1/sync/now", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") != "true" {
			reply(w, http.StatusAccepted, controlplane.TriggerResponse{Triggered: true})
			return
		}
		reply(w, http.StatusOK, syncq.PassResult{
			PassID:    "pass-1",
			Trigger:   syncq.TriggerManual,
			Outcome:   syncq.OutcomeCompleted,
			Planned:   2,
			Attempted: 2,
			Succeeded: 2,
		})
	})
	mux.HandleFunc("GET /v1/items/dead", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, controlplane.ItemsResponse{Items: []*syncq.SyncItem{{
			ID:         "item-1",
			Table:      "orders",
			Action:     syncq.ActionUpdate,
			Payload:    syncq.Payload{Key: "o-1"},
			RetryCount: 3,
			UpdatedAt:  last,
			LastError:  "boom",
		}}})
	})
	mux.HandleFunc("POST /v1/items/{id}/requeue", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusNotFound, controlplane.ControlPlaneError{
			ErrorCode: controlplane.ErrCodeNotFound,
			Error:     "item " + r.PathValue("id") + " not found",
		})
	})

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		f.lastPath = r.URL.Path
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func runCmd(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusCmd_Text(t *testing.T) {
	cp := newFakeControlPlane(t)

	out, err := runCmd(t, newStatusCmd(), "--url", cp.URL, "--token", "tok")
	require.NoError(t, err)

	auth, _ := cp.last()
	assert.Equal(t, "Bearer tok", auth)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "offline")
	assert.Contains(t, out, "2 minutes ago")
}

func TestStatusCmd_JSON(t *testing.T) {
	cp := newFakeControlPlane(t)

	out, err := runCmd(t, newStatusCmd(), "--url", cp.URL, "-o", "json")
	require.NoError(t, err)

	var resp controlplane.StatusResponse
	require.NoError(t, codec.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Running)
	assert.Equal(t, 3, resp.State.PendingCount)
	assert.Equal(t, 1, resp.State.DeadLetterCount)
}

func TestStatusCmd_YAMLUsesAPIKeys(t *testing.T) {
	cp := newFakeControlPlane(t)

	out, err := runCmd(t, newStatusCmd(), "--url", cp.URL, "-o", "yaml")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	state, ok := doc["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, state["pendingCount"])
	assert.Equal(t, false, state["isOnline"])
}

func TestStatusCmd_BadFormat(t *testing.T) {
	cp := newFakeControlPlane(t)

	_, err := runCmd(t, newStatusCmd(), "--url", cp.URL, "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestStatusCmd_EnvURL(t *testing.T) {
	cp := newFakeControlPlane(t)
	t.Setenv("SYNCQ_URL", cp.URL)
	t.Setenv("SYNCQ_HTTP_TOKEN", "from-env")

	_, err := runCmd(t, newStatusCmd())
	require.NoError(t, err)
	auth, _ := cp.last()
	assert.Equal(t, "Bearer from-env", auth)
}

func TestHistoryCmd_Empty(t *testing.T) {
	cp := newFakeControlPlane(t)

	out, err := runCmd(t, newHistoryCmd(), "--url", cp.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "no sync passes yet")
}

func TestSyncCmd(t *testing.T) {
	cp := newFakeControlPlane(t)

	out, err := runCmd(t, newSyncCmd(), "--url", cp.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "sync triggered")

	out, err = runCmd(t, newSyncCmd(), "--url", cp.URL, "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "pass-1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "2 of 2")
}

func TestDeadCmd(t *testing.T) {
	cp := newFakeControlPlane(t)

	out, err := runCmd(t, newDeadCmd(), "--url", cp.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "item-1")
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "o-1")
	assert.Contains(t, out, "boom")
}

func TestRequeueCmd_ErrorCode(t *testing.T) {
	cp := newFakeControlPlane(t)

	_, err := runCmd(t, newRequeueCmd(), "--url", cp.URL, "missing")
	require.Error(t, err)
	_, path := cp.last()
	assert.Equal(t, "/v1/items/missing/requeue", path)
	assert.Contains(t, err.Error(), controlplane.ErrCodeNotFound)
	assert.Contains(t, err.Error(), "item missing not found")
}

func TestRequeueCmd_Args(t *testing.T) {
	_, err := runCmd(t, newRequeueCmd())
	assert.Error(t, err)

	_, err = runCmd(t, newRequeueCmd(), "--all", "extra")
	assert.Error(t, err)
}

func TestClient_Unreachable(t *testing.T) {
	cp := newFakeControlPlane(t)
	url := cp.URL
	cp.Close()

	_, err := runCmd(t, newStatusCmd(), "--url", url)
	assert.ErrorContains(t, err, "control plane unreachable")
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, newVersionCmd())
	require.NoError(t, err)
	assert.Contains(t, out, version.AppName)

	out, err = runCmd(t, newVersionCmd(), "-o", "json")
	require.NoError(t, err)
	var info version.BuildInfo
	require.NoError(t, codec.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.AppName, info.App)
	assert.Equal(t, version.Version, info.Version)
}
