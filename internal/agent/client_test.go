package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

func TestClientSendsAuthHeaders(t *testing.T) {
	var gotBearer, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBearer = r.Header.Get("Authorization")
		gotToken = r.Header.Get("X-API-Token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"node_id":1}`))
	}))
	defer srv.Close()

	client := NewManagerClient(srv.URL, "secret", time.Second)
	_, err := client.Register(context.Background(), "pve1", "pve1.example.com")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotBearer)
	assert.Equal(t, "secret", gotToken)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"success":true,"session_id":7}`))
	}))
	defer srv.Close()

	client := NewManagerClient(srv.URL, "", time.Second)
	reply, err := client.SendVMStart(context.Background(), models.VMState{
		Node: "pve1", VMID: "100", Kind: models.KindFullVM, Status: models.StatusRunning,
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(7), reply.SessionID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientAuthFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewManagerClient(srv.URL, "wrong", time.Second)
	_, err := client.Register(context.Background(), "pve1", "")
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientBadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "missing node", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewManagerClient(srv.URL, "", time.Second)
	_, err := client.SendVMStop(context.Background(), "", "100", time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHeartbeatDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewManagerClient(srv.URL, "", time.Second)
	_, err := client.SendHeartbeat(context.Background(), "pve1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHeartbeatCarriesForceSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"server_time":"2025-01-01T10:00:00Z","force_sync":true}`))
	}))
	defer srv.Close()

	client := NewManagerClient(srv.URL, "", time.Second)
	reply, err := client.SendHeartbeat(context.Background(), "pve1")
	require.NoError(t, err)
	assert.True(t, reply.ForceSync)
	assert.Equal(t, 2025, reply.ServerTime.Year())
}
