package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
	"github.com/PTHyperdrive/Proxmox-renting-manager/pkg/proxmox"
)

// fakeManager records every ingest call the agent makes.
type fakeManager struct {
	mu       sync.Mutex
	payloads map[string][]map[string]any
	status   int
	srv      *httptest.Server
}

func newFakeManager(t *testing.T) *fakeManager {
	t.Helper()
	fm := &fakeManager{payloads: map[string][]map[string]any{}}
	fm.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fm.mu.Lock()
		fm.payloads[r.URL.Path] = append(fm.payloads[r.URL.Path], payload)
		status := fm.status
		fm.mu.Unlock()
		if status != 0 {
			http.Error(w, "refused", status)
			return
		}
		w.Write([]byte(`{"success":true,"session_id":1,"node_id":1,"vms_processed":0}`))
	}))
	t.Cleanup(fm.srv.Close)
	return fm
}

func (fm *fakeManager) calls(path string) []map[string]any {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.payloads[path]
}

func (fm *fakeManager) setStatus(code int) {
	fm.mu.Lock()
	fm.status = code
	fm.mu.Unlock()
}

func newTestAgent(t *testing.T, fm *fakeManager) *Agent {
	t.Helper()
	a, err := New(Config{
		NodeName:  "pve1",
		Probe:     proxmox.NewClient(proxmox.ClientConfig{Host: "127.0.0.1"}),
		Manager:   NewManagerClient(fm.srv.URL, "", time.Second),
		StateFile: filepath.Join(t.TempDir(), "state.json"),
		Interval:  time.Second,
		TrackQemu: true,
		TrackLXC:  true,
	})
	require.NoError(t, err)
	a.node = "pve1"
	return a
}

func vm(id string, status models.VMStatus, uptime int64) models.VMState {
	return models.VMState{
		Node:          "pve1",
		VMID:          id,
		Kind:          models.KindFullVM,
		Name:          "vm-" + id,
		Status:        status,
		UptimeSeconds: uptime,
	}
}

func TestDiffEmitsStartOnTransition(t *testing.T) {
	fm := newFakeManager(t)
	a := newTestAgent(t, fm)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	a.nowFn = func() time.Time { return now }

	a.prev = map[string]models.VMState{"100": vm("100", models.StatusStopped, 0)}
	require.NoError(t, a.diffAndEmit(context.Background(), []models.VMState{vm("100", models.StatusRunning, 5)}))

	starts := fm.calls("/api/ingest/vm-start")
	require.Len(t, starts, 1)
	// Observed transition: start time is now, not backdated by uptime
	assert.Equal(t, "2025-01-01T10:00:00Z", starts[0]["start_time"])
	assert.Equal(t, "100", starts[0]["vm_id"])
	assert.Empty(t, fm.calls("/api/ingest/vm-stop"))
}

func TestDiffBackdatesFirstSighting(t *testing.T) {
	fm := newFakeManager(t)
	a := newTestAgent(t, fm)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	a.nowFn = func() time.Time { return now }

	require.NoError(t, a.diffAndEmit(context.Background(), []models.VMState{vm("100", models.StatusRunning, 7200)}))

	starts := fm.calls("/api/ingest/vm-start")
	require.Len(t, starts, 1)
	assert.Equal(t, "2025-01-01T10:00:00Z", starts[0]["start_time"])
}

func TestDiffEmitsStopOnTransitionAndVanish(t *testing.T) {
	fm := newFakeManager(t)
	a := newTestAgent(t, fm)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	a.nowFn = func() time.Time { return now }

	a.prev = map[string]models.VMState{
		"100": vm("100", models.StatusRunning, 100),
		"101": vm("101", models.StatusRunning, 100),
		"102": vm("102", models.StatusStopped, 0),
	}
	// 100 stops, 101 vanishes, 102 stays stopped (and also vanishing it is silent)
	require.NoError(t, a.diffAndEmit(context.Background(), []models.VMState{vm("100", models.StatusStopped, 0)}))

	stops := fm.calls("/api/ingest/vm-stop")
	require.Len(t, stops, 2)
	stopped := map[string]bool{}
	for _, payload := range stops {
		stopped[payload["vm_id"].(string)] = true
	}
	assert.True(t, stopped["100"])
	assert.True(t, stopped["101"])
	assert.False(t, stopped["102"])
	assert.Empty(t, fm.calls("/api/ingest/vm-start"))
}

func TestDiffIsQuietWhenNothingChanged(t *testing.T) {
	fm := newFakeManager(t)
	a := newTestAgent(t, fm)

	running := vm("100", models.StatusRunning, 50)
	a.prev = map[string]models.VMState{"100": running}
	running.UptimeSeconds = 80
	require.NoError(t, a.diffAndEmit(context.Background(), []models.VMState{running}))

	assert.Empty(t, fm.calls("/api/ingest/vm-start"))
	assert.Empty(t, fm.calls("/api/ingest/vm-stop"))
}

func TestDiffReplacesStateEvenWhenEmitFails(t *testing.T) {
	fm := newFakeManager(t)
	fm.setStatus(http.StatusBadRequest) // non-retryable, non-fatal
	a := newTestAgent(t, fm)

	require.NoError(t, a.diffAndEmit(context.Background(), []models.VMState{vm("100", models.StatusRunning, 0)}))

	// The previous-state map moved on despite the failed delivery, so the
	// same start is not re-emitted forever. The next snapshot heals it.
	assert.Contains(t, a.prev, "100")
	fm.setStatus(0)
	require.NoError(t, a.diffAndEmit(context.Background(), []models.VMState{vm("100", models.StatusRunning, 10)}))
	assert.Len(t, fm.calls("/api/ingest/vm-start"), 1)
}

func TestDiffAuthFailureIsFatal(t *testing.T) {
	fm := newFakeManager(t)
	fm.setStatus(http.StatusUnauthorized)
	a := newTestAgent(t, fm)

	err := a.diffAndEmit(context.Background(), []models.VMState{vm("100", models.StatusRunning, 0)})
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestDiffPersistsStateFile(t *testing.T) {
	fm := newFakeManager(t)
	a := newTestAgent(t, fm)

	require.NoError(t, a.diffAndEmit(context.Background(), []models.VMState{vm("100", models.StatusRunning, 0)}))

	loaded := loadState(a.cfg.StateFile)
	require.Contains(t, loaded, "100")
	assert.Equal(t, models.StatusRunning, loaded["100"].Status)
}

func TestSnapshotClearsQueueFlag(t *testing.T) {
	fm := newFakeManager(t)
	a := newTestAgent(t, fm)
	a.snapshotQueued = true

	require.NoError(t, a.sendSnapshot(context.Background(), []models.VMState{vm("100", models.StatusRunning, 10)}))
	assert.False(t, a.snapshotQueued)
	assert.True(t, a.sentFirstSnapshot)
	require.Len(t, fm.calls("/api/ingest/vm-states"), 1)
}

func TestSnapshotFailureKeepsQueueFlag(t *testing.T) {
	fm := newFakeManager(t)
	fm.setStatus(http.StatusBadRequest)
	a := newTestAgent(t, fm)
	a.snapshotQueued = true

	require.Error(t, a.sendSnapshot(context.Background(), nil))
	assert.True(t, a.snapshotQueued)
	assert.False(t, a.sentFirstSnapshot)
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	fm := newFakeManager(t)
	probe := proxmox.NewClient(proxmox.ClientConfig{Host: "127.0.0.1"})
	manager := NewManagerClient(fm.srv.URL, "", time.Second)

	_, err := New(Config{Manager: manager, StateFile: "x"})
	assert.Error(t, err)
	_, err = New(Config{Probe: probe, StateFile: "x"})
	assert.Error(t, err)
	_, err = New(Config{Probe: probe, Manager: manager})
	assert.Error(t, err)

	a, err := New(Config{Probe: probe, Manager: manager, StateFile: "x"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, a.cfg.Interval)
}
