// Package proxmox is a minimal Proxmox VE API client covering what the
// agent needs: node identity and the local VM/container inventory.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

const requestTimeout = 10 * time.Second

// ClientConfig holds the connection settings for one PVE host.
type ClientConfig struct {
	Host       string
	Port       int
	User       string // e.g. "root@pam"
	TokenName  string
	TokenValue string
	VerifySSL  bool
	NodeName   string // override auto-detection
}

// Client talks to a single Proxmox VE host. It holds no state beyond the
// resolved node name.
type Client struct {
	cfg        ClientConfig
	baseURL    string
	authHeader string
	httpClient *http.Client
	nodeName   string
	log        zerolog.Logger
}

// NewClient creates a client; no connection is attempted until the first
// call.
func NewClient(cfg ClientConfig) *Client {
	port := cfg.Port
	if port == 0 {
		port = 8006
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifySSL,
		},
	}
	return &Client{
		cfg:        cfg,
		baseURL:    fmt.Sprintf("https://%s:%d/api2/json", cfg.Host, port),
		authHeader: fmt.Sprintf("PVEAPIToken=%s!%s=%s", cfg.User, cfg.TokenName, cfg.TokenValue),
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		nodeName: cfg.NodeName,
		log:      log.With().Str("component", "proxmox").Logger(),
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("request %s: authentication failed (%d)", path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request %s: unexpected status %d: %s", path, resp.StatusCode, body)
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

type nodeEntry struct {
	Node  string `json:"node"`
	Local int    `json:"local"`
}

// NodeName resolves (and caches) the local node's name. Config override
// wins; otherwise the node list is consulted, preferring the local entry.
func (c *Client) NodeName(ctx context.Context) (string, error) {
	if c.nodeName != "" {
		return c.nodeName, nil
	}

	var nodes []nodeEntry
	if err := c.get(ctx, "/nodes", &nodes); err != nil {
		return "", fmt.Errorf("resolve node name: %w", err)
	}

	name := "pve"
	if len(nodes) > 0 {
		name = nodes[0].Node
		for _, n := range nodes {
			if n.Local == 1 {
				name = n.Node
				break
			}
		}
	}
	c.nodeName = name
	c.log.Debug().Str("node", name).Msg("Resolved node name")
	return name, nil
}

// TestConnection verifies the API is reachable with the configured token.
func (c *Client) TestConnection(ctx context.Context) error {
	var nodes []nodeEntry
	if err := c.get(ctx, "/nodes", &nodes); err != nil {
		return fmt.Errorf("connection test: %w", err)
	}
	return nil
}

type vmEntry struct {
	VMID   json.Number `json:"vmid"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
	Uptime int64       `json:"uptime"`
}

// ListVMs enumerates full VMs and/or containers on the local node,
// normalized and sorted by numeric VM id.
func (c *Client) ListVMs(ctx context.Context, includeQemu, includeLXC bool) ([]models.VMState, error) {
	node, err := c.NodeName(ctx)
	if err != nil {
		return nil, err
	}

	var states []models.VMState
	if includeQemu {
		qemu, err := c.listGuests(ctx, node, "qemu", models.KindFullVM)
		if err != nil {
			return nil, err
		}
		states = append(states, qemu...)
	}
	if includeLXC {
		lxc, err := c.listGuests(ctx, node, "lxc", models.KindContainer)
		if err != nil {
			return nil, err
		}
		states = append(states, lxc...)
	}

	sort.Slice(states, func(i, j int) bool {
		a, errA := strconv.Atoi(states[i].VMID)
		b, errB := strconv.Atoi(states[j].VMID)
		if errA != nil || errB != nil {
			return states[i].VMID < states[j].VMID
		}
		return a < b
	})
	return states, nil
}

func (c *Client) listGuests(ctx context.Context, node, endpoint string, kind models.VMKind) ([]models.VMState, error) {
	var entries []vmEntry
	if err := c.get(ctx, fmt.Sprintf("/nodes/%s/%s", node, endpoint), &entries); err != nil {
		return nil, fmt.Errorf("list %s: %w", endpoint, err)
	}

	states := make([]models.VMState, 0, len(entries))
	for _, entry := range entries {
		vmID := entry.VMID.String()
		name := entry.Name
		if name == "" {
			if kind == models.KindContainer {
				name = "CT " + vmID
			} else {
				name = "VM " + vmID
			}
		}
		status := models.ParseVMStatus(entry.Status)
		if status == models.StatusUnknown {
			c.log.Debug().
				Str("vmID", vmID).
				Str("status", entry.Status).
				Msg("Unrecognized VM status")
		}
		states = append(states, models.VMState{
			Node:          node,
			VMID:          vmID,
			Kind:          kind,
			Name:          name,
			Status:        status,
			UptimeSeconds: entry.Uptime,
		})
	}
	return states, nil
}
