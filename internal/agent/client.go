package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

// ErrAuthFailed marks a 401/403 from the manager. The agent treats it as
// fatal; retrying with the same token cannot succeed.
var ErrAuthFailed = errors.New("manager rejected credentials")

const (
	heartbeatTimeout = 5 * time.Second
	maxRetries       = 3
)

// ManagerClient is the agent's authenticated channel to the manager's
// ingest endpoints.
type ManagerClient struct {
	baseURL string
	apiKey  string

	httpClient      *http.Client
	heartbeatClient *http.Client
	log             zerolog.Logger
}

// NewManagerClient creates a client for the given manager URL. timeout
// applies to everything except heartbeats, which use a short fixed timeout
// and never retry.
func NewManagerClient(baseURL, apiKey string, timeout time.Duration) *ManagerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ManagerClient{
		baseURL:         baseURL,
		apiKey:          apiKey,
		httpClient:      &http.Client{Timeout: timeout},
		heartbeatClient: &http.Client{Timeout: heartbeatTimeout},
		log:             log.With().Str("component", "transport").Logger(),
	}
}

func (c *ManagerClient) post(ctx context.Context, client *http.Client, path string, payload, out any, retries int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", path, err)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request %s: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("X-API-Token", c.apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request %s: %w", path, err)
			c.log.Debug().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("Request failed")
			continue
		}

		func() {
			defer resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				lastErr = fmt.Errorf("%s: %w", path, ErrAuthFailed)
			case resp.StatusCode >= 500:
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				lastErr = fmt.Errorf("request %s: server error %d: %s", path, resp.StatusCode, snippet)
			case resp.StatusCode >= 400:
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				lastErr = fmt.Errorf("request %s: rejected with %d: %s", path, resp.StatusCode, snippet)
			default:
				if out != nil {
					if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
						// Malformed replies count as transient transport trouble.
						lastErr = fmt.Errorf("decode %s reply: %w", path, err)
						return
					}
				}
				lastErr = nil
			}
		}()

		if lastErr == nil {
			return nil
		}
		// Auth and other 4xx failures are not retryable.
		if errors.Is(lastErr, ErrAuthFailed) {
			return lastErr
		}
		var transient bool
		if resp.StatusCode >= 500 || resp.StatusCode < 400 {
			transient = true
		}
		if !transient {
			return lastErr
		}
	}
	return lastErr
}

// RegisterReply answers a node registration.
type RegisterReply struct {
	Success bool  `json:"success"`
	NodeID  int64 `json:"node_id"`
}

// Register announces this node to the manager.
func (c *ManagerClient) Register(ctx context.Context, node, hostname string) (*RegisterReply, error) {
	payload := map[string]string{"name": node, "hostname": hostname}
	var reply RegisterReply
	if err := c.post(ctx, c.httpClient, "/api/ingest/register", payload, &reply, maxRetries); err != nil {
		return nil, err
	}
	return &reply, nil
}

// StartReply answers a vm-start event.
type StartReply struct {
	Success   bool  `json:"success"`
	SessionID int64 `json:"session_id"`
}

// SendVMStart reports that a VM began running at startTime.
func (c *ManagerClient) SendVMStart(ctx context.Context, vm models.VMState, startTime time.Time) (*StartReply, error) {
	payload := map[string]any{
		"node":       vm.Node,
		"vm_id":      vm.VMID,
		"vm_name":    vm.Name,
		"vm_type":    vm.Kind,
		"start_time": startTime.UTC().Format(time.RFC3339),
	}
	var reply StartReply
	if err := c.post(ctx, c.httpClient, "/api/ingest/vm-start", payload, &reply, maxRetries); err != nil {
		return nil, err
	}
	return &reply, nil
}

// StopReply answers a vm-stop event.
type StopReply struct {
	Success         bool  `json:"success"`
	SessionID       int64 `json:"session_id"`
	DurationSeconds int64 `json:"duration_seconds"`
}

// SendVMStop reports that a VM stopped at stopTime.
func (c *ManagerClient) SendVMStop(ctx context.Context, node, vmID string, stopTime time.Time) (*StopReply, error) {
	payload := map[string]any{
		"node":      node,
		"vm_id":     vmID,
		"stop_time": stopTime.UTC().Format(time.RFC3339),
	}
	var reply StopReply
	if err := c.post(ctx, c.httpClient, "/api/ingest/vm-stop", payload, &reply, maxRetries); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SnapshotReply answers a full snapshot.
type SnapshotReply struct {
	Success         bool `json:"success"`
	VMsProcessed    int  `json:"vms_processed"`
	SessionsStarted int  `json:"sessions_started"`
	SessionsStopped int  `json:"sessions_stopped"`
}

// SendSnapshot pushes the node's complete VM inventory.
func (c *ManagerClient) SendSnapshot(ctx context.Context, node string, ts time.Time, vms []models.VMState) (*SnapshotReply, error) {
	payload := map[string]any{
		"node":      node,
		"timestamp": ts.UTC().Format(time.RFC3339),
		"vms":       vms,
	}
	var reply SnapshotReply
	if err := c.post(ctx, c.httpClient, "/api/ingest/vm-states", payload, &reply, maxRetries); err != nil {
		return nil, err
	}
	return &reply, nil
}

// HeartbeatReply answers a heartbeat and carries the force-sync bit.
type HeartbeatReply struct {
	Success    bool      `json:"success"`
	ServerTime time.Time `json:"server_time"`
	ForceSync  bool      `json:"force_sync"`
}

// SendHeartbeat tells the manager this agent is alive. Short timeout, no
// retry: a missed heartbeat is absorbed by the next tick.
func (c *ManagerClient) SendHeartbeat(ctx context.Context, node string) (*HeartbeatReply, error) {
	payload := map[string]any{
		"node":      node,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	var reply HeartbeatReply
	if err := c.post(ctx, c.heartbeatClient, "/api/ingest/heartbeat", payload, &reply, 0); err != nil {
		return nil, err
	}
	return &reply, nil
}
