package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Nil(t, cfg)

	// An empty path with no file on the search path yields defaults.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Proxmox.Host)
	assert.Equal(t, 8006, cfg.Proxmox.Port)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Polling.Interval())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  name: pve7
manager:
  url: http://manager:8080
  api_key: topsecret
  timeout_seconds: 5
proxmox:
  host: 10.0.0.5
  user: root@pam
  token_name: agent
  token_value: abc
polling:
  interval_seconds: 10
  track_lxc: false
server:
  host: 127.0.0.1
  port: 9090
database:
  path: /tmp/test.db
logging:
  level: debug
  format: json
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pve7", cfg.Node.Name)
	assert.Equal(t, "http://manager:8080", cfg.Manager.URL)
	assert.Equal(t, 5*time.Second, cfg.Manager.Timeout())
	assert.Equal(t, "10.0.0.5", cfg.Proxmox.Host)
	assert.Equal(t, 10*time.Second, cfg.Polling.Interval())
	assert.True(t, cfg.Polling.Qemu())
	assert.False(t, cfg.Polling.LXC())
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset fields keep their defaults
	assert.Equal(t, "/var/lib/vmtrack/state.json", cfg.StateFile)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateAgent(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateAgent()) // no manager URL

	cfg.Manager.URL = "http://manager:8080"
	assert.Error(t, cfg.ValidateAgent()) // no token

	cfg.Proxmox.User = "root@pam"
	cfg.Proxmox.TokenName = "agent"
	cfg.Proxmox.TokenValue = "abc"
	assert.NoError(t, cfg.ValidateAgent())

	cfg.Proxmox.Host = ""
	assert.Error(t, cfg.ValidateAgent())
}

func TestValidateServer(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.ValidateServer())

	cfg.Database.Path = ""
	assert.Error(t, cfg.ValidateServer())
}
