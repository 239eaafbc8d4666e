// Package ingest applies agent-reported events and snapshots to the
// session log while keeping the one-open-session-per-VM rule intact.
//
// Single events are best effort; the periodic full snapshot is the ground
// truth that heals whatever the events missed. All operations touching one
// node are serialized behind a per-node mutex so two concurrent starts for
// the same VM cannot both observe "no open session".
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/store"
)

// Service is the manager-side ingest reconciler.
type Service struct {
	store *store.Store
	log   zerolog.Logger
	nowFn func() time.Time

	mu        sync.Mutex
	nodeLocks map[string]*sync.Mutex

	syncMu      sync.Mutex
	syncPending map[string]bool
}

// New creates the reconciler over the given store.
func New(st *store.Store) *Service {
	return &Service{
		store:       st,
		log:         log.With().Str("component", "ingest").Logger(),
		nowFn:       time.Now,
		nodeLocks:   make(map[string]*sync.Mutex),
		syncPending: make(map[string]bool),
	}
}

// lockNode serializes ingest operations per node. Cross-node calls proceed
// in parallel.
func (s *Service) lockNode(node string) func() {
	s.mu.Lock()
	lock, ok := s.nodeLocks[node]
	if !ok {
		lock = &sync.Mutex{}
		s.nodeLocks[node] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// RegisterNode creates or reactivates a node. Idempotent.
func (s *Service) RegisterNode(ctx context.Context, name, hostname string) (int64, error) {
	unlock := s.lockNode(name)
	defer unlock()

	eventsTotal.WithLabelValues("register").Inc()
	id, err := s.store.RegisterNode(ctx, name, hostname)
	if err != nil {
		return 0, err
	}
	s.log.Info().Str("node", name).Str("hostname", hostname).Msg("Node registered")
	return id, nil
}

// repairWarnings turns repaired session ids into operator-visible warning
// strings for the reply.
func repairWarnings(node, vmID string, repaired []int64) []string {
	var warnings []string
	for _, id := range repaired {
		warnings = append(warnings, fmt.Sprintf(
			"closed stale duplicate open session %d for %s/%s", id, node, vmID))
	}
	return warnings
}

// VMStart records a start event. If the VM already has an open session an
// earlier start time widens it; a later one is ignored. Returns the open
// session. All mutations commit atomically; a failed start leaves the
// store untouched. Warnings report invariant repairs.
func (s *Service) VMStart(ctx context.Context, node, vmID, name string, kind models.VMKind, startTime time.Time) (*models.Session, []string, error) {
	unlock := s.lockNode(node)
	defer unlock()

	eventsTotal.WithLabelValues("vm_start").Inc()

	var (
		sess     *models.Session
		warnings []string
		started  bool
	)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertTrackedVM(ctx, models.TrackedVM{
			Node:          node,
			VMID:          vmID,
			Name:          name,
			Kind:          kind,
			CurrentStatus: models.StatusRunning,
			LastSeen:      s.nowFn(),
		}); err != nil {
			return err
		}
		if err := tx.BumpNodeEvents(ctx, node, startTime); err != nil {
			return err
		}

		existing, repaired, err := tx.FindOpen(ctx, node, vmID)
		if err != nil {
			return err
		}
		warnings = repairWarnings(node, vmID, repaired)
		if existing != nil {
			if startTime.Before(existing.StartTime) {
				if err := tx.WidenSessionStart(ctx, existing.ID, startTime); err != nil {
					return err
				}
				s.log.Info().
					Str("node", node).
					Str("vmID", vmID).
					Int64("sessionID", existing.ID).
					Time("startTime", startTime).
					Msg("Widened session start with earlier evidence")
				sess, err = tx.GetSession(ctx, existing.ID)
				return err
			}
			s.log.Debug().
				Str("node", node).
				Str("vmID", vmID).
				Int64("sessionID", existing.ID).
				Msg("Duplicate start for open session, ignoring")
			sess = existing
			return nil
		}

		sess, err = tx.OpenSession(ctx, node, vmID, kind, startTime, nil)
		if errors.Is(err, store.ErrSessionAlreadyOpen) {
			// Lost a race that the per-node lock should prevent; use the winner.
			sess, _, err = tx.FindOpen(ctx, node, vmID)
			return err
		}
		if err != nil {
			return err
		}
		started = true
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("vm_start %s/%s: %w", node, vmID, err)
	}

	if started {
		sessionsStarted.Inc()
		s.log.Info().
			Str("node", node).
			Str("vmID", vmID).
			Int64("sessionID", sess.ID).
			Time("startTime", startTime).
			Msg("Session started")
	}
	return sess, warnings, nil
}

// VMStop closes the VM's open session. A stop without a prior start is
// benign: it returns nil with no session created. All mutations commit
// atomically; a failed stop leaves the store untouched.
func (s *Service) VMStop(ctx context.Context, node, vmID string, stopTime time.Time) (*models.Session, []string, error) {
	unlock := s.lockNode(node)
	defer unlock()

	eventsTotal.WithLabelValues("vm_stop").Inc()

	var (
		closed   *models.Session
		warnings []string
	)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		open, repaired, err := tx.FindOpen(ctx, node, vmID)
		if err != nil {
			return err
		}
		warnings = repairWarnings(node, vmID, repaired)

		// Stop events carry no kind. Learn it from the open session, then
		// from the tracked row; only a never-seen VM defaults.
		kind := models.KindFullVM
		switch {
		case open != nil:
			kind = open.Kind
		default:
			tracked, err := tx.GetTrackedVM(ctx, node, vmID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if tracked != nil {
				kind = tracked.Kind
			}
		}

		if err := tx.UpsertTrackedVM(ctx, models.TrackedVM{
			Node:          node,
			VMID:          vmID,
			Kind:          kind,
			CurrentStatus: models.StatusStopped,
			LastSeen:      s.nowFn(),
		}); err != nil {
			return err
		}
		if err := tx.BumpNodeEvents(ctx, node, stopTime); err != nil {
			return err
		}

		if open == nil {
			s.log.Info().
				Str("node", node).
				Str("vmID", vmID).
				Msg("Stop without open session, nothing to close")
			return nil
		}
		closed, err = tx.CloseSession(ctx, open.ID, stopTime, nil)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("vm_stop %s/%s: %w", node, vmID, err)
	}

	if closed != nil {
		sessionsStopped.Inc()
		s.log.Info().
			Str("node", node).
			Str("vmID", vmID).
			Int64("sessionID", closed.ID).
			Int64("durationSeconds", *closed.DurationSeconds).
			Msg("Session stopped")
	}
	return closed, warnings, nil
}

// SnapshotResult summarizes what one snapshot changed.
type SnapshotResult struct {
	VMsProcessed    int
	SessionsStarted int
	SessionsStopped int
}

// VMStates reconciles a full snapshot against the open sessions for the
// node. After it commits, the set of open sessions equals the set of VMs
// the snapshot reports as running. All mutations apply in one transaction.
func (s *Service) VMStates(ctx context.Context, node string, snapshotTS time.Time, vms []models.VMState) (SnapshotResult, error) {
	unlock := s.lockNode(node)
	defer unlock()

	eventsTotal.WithLabelValues("vm_states").Inc()

	var result SnapshotResult
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		open, err := tx.OpenSessionsForNode(ctx, node)
		if err != nil {
			return err
		}
		openByVM := make(map[string]*models.Session, len(open))
		for _, sess := range open {
			openByVM[sess.VMID] = sess
		}

		seen := make(map[string]bool, len(vms))
		for _, vm := range vms {
			seen[vm.VMID] = true
			result.VMsProcessed++

			if err := tx.UpsertTrackedVM(ctx, models.TrackedVM{
				Node:          node,
				VMID:          vm.VMID,
				Name:          vm.Name,
				Kind:          vm.Kind,
				CurrentStatus: vm.Status,
				LastSeen:      s.nowFn(),
			}); err != nil {
				return err
			}

			sess, hasOpen := openByVM[vm.VMID]
			switch {
			case vm.Status == models.StatusRunning && !hasOpen:
				// Backdate by the reported uptime so billable time that
				// predates manager knowledge is recovered.
				startTime := snapshotTS
				if vm.UptimeSeconds > 0 {
					startTime = snapshotTS.Add(-time.Duration(vm.UptimeSeconds) * time.Second)
				}
				if _, err := tx.OpenSession(ctx, node, vm.VMID, vm.Kind, startTime, nil); err != nil {
					return err
				}
				result.SessionsStarted++
			case vm.Status != models.StatusRunning && hasOpen:
				if _, err := tx.CloseSession(ctx, sess.ID, snapshotTS, nil); err != nil {
					return err
				}
				result.SessionsStopped++
			}
		}

		// VMs with open sessions that the snapshot no longer mentions are
		// gone; close them at the snapshot time.
		for vmID, sess := range openByVM {
			if seen[vmID] {
				continue
			}
			if _, err := tx.CloseSession(ctx, sess.ID, snapshotTS, nil); err != nil {
				return err
			}
			result.SessionsStopped++
		}
		return nil
	})
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("vm_states %s: %w", node, err)
	}

	if err := s.store.SetNodeVMCount(ctx, node, len(vms)); err != nil {
		return SnapshotResult{}, fmt.Errorf("vm_states %s: %w", node, err)
	}

	snapshotsReconciled.Inc()
	for i := 0; i < result.SessionsStarted; i++ {
		sessionsStarted.Inc()
	}
	for i := 0; i < result.SessionsStopped; i++ {
		sessionsStopped.Inc()
	}
	s.log.Info().
		Str("node", node).
		Int("vms", result.VMsProcessed).
		Int("started", result.SessionsStarted).
		Int("stopped", result.SessionsStopped).
		Msg("Snapshot reconciled")
	return result, nil
}

// Heartbeat bumps the node's last_seen and drains its force-sync flag.
// The returned bool tells the agent to send a snapshot on its next tick.
func (s *Service) Heartbeat(ctx context.Context, node string) (bool, error) {
	eventsTotal.WithLabelValues("heartbeat").Inc()

	if err := s.store.TouchNode(ctx, node); err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", node, err)
	}

	s.syncMu.Lock()
	pending := s.syncPending[node]
	if pending {
		delete(s.syncPending, node)
	}
	s.syncMu.Unlock()

	if pending {
		s.log.Info().Str("node", node).Msg("Force sync delivered via heartbeat")
	}
	return pending, nil
}

// RequestForceSync marks one node, or every currently known node when
// target is empty, for a snapshot on its next heartbeat. Returns how many
// nodes were marked. The flags are in-memory only; losing them on restart
// is benign, operators reissue.
func (s *Service) RequestForceSync(ctx context.Context, target string) (int, error) {
	if target != "" && target != "*" {
		s.syncMu.Lock()
		s.syncPending[target] = true
		s.syncMu.Unlock()
		s.log.Info().Str("node", target).Msg("Force sync requested")
		return 1, nil
	}

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("force sync: %w", err)
	}
	s.syncMu.Lock()
	for _, node := range nodes {
		s.syncPending[node.Name] = true
	}
	s.syncMu.Unlock()
	s.log.Info().Int("nodes", len(nodes)).Msg("Force sync requested for all nodes")
	return len(nodes), nil
}
