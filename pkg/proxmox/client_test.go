package proxmox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

// newTestClient points a client at an httptest server standing in for the
// PVE API.
func newTestClient(handler http.Handler, nodeName string) (*Client, func()) {
	srv := httptest.NewServer(handler)
	c := NewClient(ClientConfig{
		Host:       "unused",
		User:       "root@pam",
		TokenName:  "agent",
		TokenValue: "secret",
		NodeName:   nodeName,
	})
	c.baseURL = srv.URL + "/api2/json"
	return c, srv.Close
}

func TestAuthHeaderFormat(t *testing.T) {
	var got string
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"data":[]}`))
	}), "")
	defer done()

	require.NoError(t, c.TestConnection(context.Background()))
	assert.Equal(t, "PVEAPIToken=root@pam!agent=secret", got)
}

func TestNodeNamePrefersLocal(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"node":"pve2","local":0},{"node":"pve1","local":1}]}`))
	}), "")
	defer done()

	name, err := c.NodeName(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pve1", name)
}

func TestNodeNameConfigOverrideWins(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not hit the API when the name is configured")
	}), "mynode")
	defer done()

	name, err := c.NodeName(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mynode", name)
}

func TestTestConnectionAuthError(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}), "")
	defer done()

	err := c.TestConnection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestListVMsMergesAndSorts(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api2/json/nodes/pve1/qemu":
			w.Write([]byte(`{"data":[
				{"vmid":110,"name":"db01","status":"running","uptime":3600},
				{"vmid":100,"name":"web01","status":"stopped"}
			]}`))
		case "/api2/json/nodes/pve1/lxc":
			w.Write([]byte(`{"data":[{"vmid":"105","status":"running","uptime":50}]}`))
		default:
			http.NotFound(w, r)
		}
	}), "pve1")
	defer done()

	states, err := c.ListVMs(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, states, 3)

	// Numeric order despite mixed string/number vmids
	assert.Equal(t, "100", states[0].VMID)
	assert.Equal(t, "105", states[1].VMID)
	assert.Equal(t, "110", states[2].VMID)

	assert.Equal(t, models.StatusStopped, states[0].Status)
	assert.Equal(t, models.KindContainer, states[1].Kind)
	// Nameless container gets a placeholder
	assert.Equal(t, "CT 105", states[1].Name)
	assert.Equal(t, int64(3600), states[2].UptimeSeconds)
}

func TestListVMsSelectsEndpoints(t *testing.T) {
	var paths []string
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte(`{"data":[]}`))
	}), "pve1")
	defer done()

	_, err := c.ListVMs(context.Background(), true, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/api2/json/nodes/pve1/qemu"}, paths)
}

func TestListVMsUnknownStatus(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"vmid":100,"name":"odd","status":"migrating"}]}`))
	}), "pve1")
	defer done()

	states, err := c.ListVMs(context.Background(), true, false)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, models.StatusUnknown, states[0].Status)
}
