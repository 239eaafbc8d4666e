// Package agent implements the node-side loop: poll the hypervisor, diff
// against the previous poll, push start/stop events and periodic full
// snapshots to the manager, and survive restarts via a persisted state
// file.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
	"github.com/PTHyperdrive/Proxmox-renting-manager/pkg/proxmox"
)

// snapshotEvery is the unconditional snapshot cadence in cycles. Combined
// with the default 30 s tick this bounds reconciliation error to ~50 min
// even when every single event is lost.
const snapshotEvery = 100

// Config bundles everything the agent needs to run.
type Config struct {
	NodeName  string // override; otherwise resolved from the hypervisor
	Hostname  string
	Probe     *proxmox.Client
	Manager   *ManagerClient
	StateFile string
	Interval  time.Duration
	TrackQemu bool
	TrackLXC  bool
}

// Agent is the state-diff engine. One instance per node; not safe for
// concurrent use.
type Agent struct {
	cfg   Config
	log   zerolog.Logger
	nowFn func() time.Time

	node              string
	prev              map[string]models.VMState
	cycles            int
	snapshotQueued    bool
	sentFirstSnapshot bool
	probeSucceeded    bool
}

// New validates the configuration and creates an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Probe == nil {
		return nil, fmt.Errorf("agent: probe client is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("agent: manager client is required")
	}
	if cfg.StateFile == "" {
		return nil, fmt.Errorf("agent: state file path is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Agent{
		cfg:   cfg,
		log:   log.With().Str("component", "agent").Logger(),
		nowFn: time.Now,
		prev:  map[string]models.VMState{},
	}, nil
}

// ProbeSucceeded reports whether at least one probe call has returned VM
// state. The self-test exit code keys on this.
func (a *Agent) ProbeSucceeded() bool {
	return a.probeSucceeded
}

// startup resolves the node identity, loads the previous-state map, and
// registers with the manager.
func (a *Agent) startup(ctx context.Context) error {
	name := a.cfg.NodeName
	if name == "" {
		resolved, err := a.cfg.Probe.NodeName(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("Could not resolve node name from hypervisor, falling back to hostname")
			if info, herr := host.InfoWithContext(ctx); herr == nil && info.Hostname != "" {
				resolved = info.Hostname
			} else if hn, oerr := os.Hostname(); oerr == nil {
				resolved = hn
			} else {
				return fmt.Errorf("agent: cannot determine node name: %w", err)
			}
		}
		name = resolved
	}
	a.node = name

	a.prev = loadState(a.cfg.StateFile)
	a.log.Info().
		Str("node", a.node).
		Int("knownVMs", len(a.prev)).
		Msg("Agent starting")

	if _, err := a.cfg.Manager.Register(ctx, a.node, a.cfg.Hostname); err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		// Registration also happens implicitly on the first event the
		// manager sees from us.
		a.log.Warn().Err(err).Msg("Registration failed, continuing")
	}
	return nil
}

// RunOnce performs startup plus a single probe/diff/emit cycle. Used by
// the CLI's one-shot and self-test modes.
func (a *Agent) RunOnce(ctx context.Context) error {
	if err := a.startup(ctx); err != nil {
		return err
	}
	return a.cycle(ctx)
}

// Run starts the loop and blocks until the context is cancelled. The
// state file is persisted on the way out.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.startup(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	if err := a.cycle(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("Agent stopping")
			if err := saveState(a.cfg.StateFile, a.node, a.prev); err != nil {
				a.log.Error().Err(err).Msg("Could not persist state on shutdown")
			}
			return nil
		case <-ticker.C:
			if err := a.cycle(ctx); err != nil {
				return err
			}
		}
	}
}

// cycle is one probe, diff, emit, persist pass. It returns an error only
// for fatal conditions (bad credentials); transient trouble is logged and
// absorbed, the next snapshot reconciles.
func (a *Agent) cycle(ctx context.Context) error {
	states, err := a.cfg.Probe.ListVMs(ctx, a.cfg.TrackQemu, a.cfg.TrackLXC)
	probeOK := err == nil
	if !probeOK {
		a.log.Warn().Err(err).Msg("Probe failed, skipping diff this tick")
	} else {
		a.probeSucceeded = true
		if err := a.diffAndEmit(ctx, states); err != nil {
			return err
		}
	}

	hb, err := a.cfg.Manager.SendHeartbeat(ctx, a.node)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		a.log.Debug().Err(err).Msg("Heartbeat missed")
	} else if hb.ForceSync {
		a.log.Info().Msg("Manager requested force sync")
		a.snapshotQueued = true
	}

	if probeOK && (a.snapshotQueued || !a.sentFirstSnapshot || a.cycles%snapshotEvery == 0) {
		if err := a.sendSnapshot(ctx, states); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return err
			}
			// Keep the queue flag set; retry on the next tick.
			a.log.Warn().Err(err).Msg("Snapshot send failed")
		}
	}
	return nil
}

// diffAndEmit compares the fresh probe against the previous-state map,
// emits the transitions, and replaces the map. The replacement happens
// even when emission fails: keeping the stale map would re-emit the same
// starts forever, while a dropped event is healed by the next snapshot.
func (a *Agent) diffAndEmit(ctx context.Context, states []models.VMState) error {
	now := a.nowFn()
	next := make(map[string]models.VMState, len(states))
	for _, vm := range states {
		next[vm.VMID] = vm
	}

	var fatal error
	for _, vm := range states {
		prev, known := a.prev[vm.VMID]
		switch {
		case vm.Status == models.StatusRunning && (!known || prev.Status != models.StatusRunning):
			startTime := now
			if !known && vm.UptimeSeconds > 0 {
				// First sighting of an already-running VM: backdate by its
				// uptime so the session covers time before we watched it.
				startTime = now.Add(-time.Duration(vm.UptimeSeconds) * time.Second)
			}
			if _, err := a.cfg.Manager.SendVMStart(ctx, vm, startTime); err != nil {
				if errors.Is(err, ErrAuthFailed) {
					fatal = err
				}
				a.log.Warn().Err(err).Str("vmID", vm.VMID).Msg("Start event not delivered")
			} else {
				a.log.Info().Str("vmID", vm.VMID).Str("name", vm.Name).Msg("VM started")
			}
		case known && prev.Status == models.StatusRunning && vm.Status != models.StatusRunning:
			if _, err := a.cfg.Manager.SendVMStop(ctx, a.node, vm.VMID, now); err != nil {
				if errors.Is(err, ErrAuthFailed) {
					fatal = err
				}
				a.log.Warn().Err(err).Str("vmID", vm.VMID).Msg("Stop event not delivered")
			} else {
				a.log.Info().Str("vmID", vm.VMID).Str("name", vm.Name).Msg("VM stopped")
			}
		}
	}

	for vmID, prev := range a.prev {
		if _, still := next[vmID]; still || prev.Status != models.StatusRunning {
			continue
		}
		if _, err := a.cfg.Manager.SendVMStop(ctx, a.node, vmID, now); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				fatal = err
			}
			a.log.Warn().Err(err).Str("vmID", vmID).Msg("Stop event for vanished VM not delivered")
		} else {
			a.log.Info().Str("vmID", vmID).Msg("VM vanished, stop recorded")
		}
	}

	a.prev = next
	a.cycles++
	if err := saveState(a.cfg.StateFile, a.node, a.prev); err != nil {
		a.log.Error().Err(err).Msg("Could not persist state file")
	}
	return fatal
}

func (a *Agent) sendSnapshot(ctx context.Context, states []models.VMState) error {
	reply, err := a.cfg.Manager.SendSnapshot(ctx, a.node, a.nowFn(), states)
	if err != nil {
		return err
	}
	a.snapshotQueued = false
	a.sentFirstSnapshot = true
	a.log.Info().
		Int("vms", reply.VMsProcessed).
		Int("started", reply.SessionsStarted).
		Int("stopped", reply.SessionsStopped).
		Msg("Snapshot sent")
	return nil
}
