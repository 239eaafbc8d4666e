// Package config loads the YAML configuration shared by the manager and the
// node agent. A single file carries both; each binary reads the sections it
// needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const configFileName = "vmtrack.yaml"

// Config is the full on-disk configuration.
type Config struct {
	Node      NodeConfig     `yaml:"node"`
	Manager   ManagerConfig  `yaml:"manager"`
	Proxmox   ProxmoxConfig  `yaml:"proxmox"`
	Polling   PollingConfig  `yaml:"polling"`
	StateFile string         `yaml:"state_file"`
	Server    ServerConfig   `yaml:"server"`
	Database  DatabaseConfig `yaml:"database"`
	Security  SecurityConfig `yaml:"security"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// NodeConfig overrides the auto-detected node identity.
type NodeConfig struct {
	Name     string `yaml:"name"`
	Hostname string `yaml:"hostname"`
}

// ManagerConfig is the agent's view of the manager endpoint.
type ManagerConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the request timeout as a duration.
func (m ManagerConfig) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// ProxmoxConfig carries the hypervisor API credentials.
type ProxmoxConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	TokenName  string `yaml:"token_name"`
	TokenValue string `yaml:"token_value"`
	VerifySSL  bool   `yaml:"verify_ssl"`
}

// PollingConfig controls the agent's probe loop.
type PollingConfig struct {
	IntervalSeconds int   `yaml:"interval_seconds"`
	TrackQemu       *bool `yaml:"track_qemu"`
	TrackLXC        *bool `yaml:"track_lxc"`
}

// Interval returns the tick period as a duration.
func (p PollingConfig) Interval() time.Duration {
	if p.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Qemu reports whether full VMs are probed (default true).
func (p PollingConfig) Qemu() bool { return p.TrackQemu == nil || *p.TrackQemu }

// LXC reports whether containers are probed (default true).
func (p PollingConfig) LXC() bool { return p.TrackLXC == nil || *p.TrackLXC }

// ServerConfig is the manager's listen address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	host := s.Host
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// DatabaseConfig binds the manager to its SQLite file.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// SecurityConfig holds the static token the manager requires on API calls.
// Empty means authentication is disabled.
type SecurityConfig struct {
	APIKey string `yaml:"api_key"`
}

// LoggingConfig feeds the logging package.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Proxmox: ProxmoxConfig{
			Host: "localhost",
			Port: 8006,
		},
		Polling: PollingConfig{
			IntervalSeconds: 30,
		},
		Manager: ManagerConfig{
			TimeoutSeconds: 30,
		},
		StateFile: "/var/lib/vmtrack/state.json",
		Server: ServerConfig{
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path:          "/var/lib/vmtrack/vmtrack.db",
			BusyTimeoutMS: 30000,
		},
	}
}

// Load reads the configuration from path, or from the first hit on the
// search path when path is empty: ./vmtrack.yaml, /etc/vmtrack/vmtrack.yaml,
// then the executable's directory. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		log.Debug().Msg("No config file found, using defaults")
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("Loaded configuration")
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{
		configFileName,
		filepath.Join("/etc/vmtrack", configFileName),
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), configFileName))
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// ValidateAgent checks the fields the agent binary cannot run without.
func (c *Config) ValidateAgent() error {
	if c.Manager.URL == "" {
		return fmt.Errorf("manager.url is required")
	}
	if c.Proxmox.Host == "" {
		return fmt.Errorf("proxmox.host is required")
	}
	if c.Proxmox.User == "" || c.Proxmox.TokenName == "" || c.Proxmox.TokenValue == "" {
		return fmt.Errorf("proxmox API token credentials are required")
	}
	return nil
}

// ValidateServer checks the fields the manager binary cannot run without.
func (c *Config) ValidateServer() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
