package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

const sessionColumns = `id, node, vm_id, kind, start_time, end_time,
	duration_seconds, is_running, start_correlator, stop_correlator,
	user_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess       models.Session
		kind       string
		startRaw   string
		endRaw     sql.NullString
		duration   sql.NullInt64
		startCorr  sql.NullString
		stopCorr   sql.NullString
		userName   sql.NullString
		createdRaw string
		updatedRaw string
	)
	err := row.Scan(&sess.ID, &sess.Node, &sess.VMID, &kind, &startRaw,
		&endRaw, &duration, &sess.IsRunning, &startCorr, &stopCorr,
		&userName, &createdRaw, &updatedRaw)
	if err != nil {
		return nil, err
	}

	sess.Kind = models.VMKind(kind)
	if sess.StartTime, err = parseTime(startRaw); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if sess.EndTime, err = parseTimePtr(endRaw); err != nil {
		return nil, fmt.Errorf("parse end_time: %w", err)
	}
	if duration.Valid {
		d := duration.Int64
		sess.DurationSeconds = &d
	}
	if startCorr.Valid {
		v := startCorr.String
		sess.StartCorrelator = &v
	}
	if stopCorr.Valid {
		v := stopCorr.String
		sess.StopCorrelator = &v
	}
	if userName.Valid {
		v := userName.String
		sess.User = &v
	}
	if sess.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	defer rows.Close()
	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// findOpen returns the open session for (node, vm_id). If more than one
// open row exists the older ones are closed at now: the condition cannot be
// produced through the serialized ingest path, so treat it as corruption
// and repair. The ids of repaired rows come back so callers can surface a
// warning.
func findOpen(ctx context.Context, q dbtx, node, vmID string) (*models.Session, []int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE node = ? AND vm_id = ? AND is_running = 1
		ORDER BY start_time DESC`, node, vmID)
	if err != nil {
		return nil, nil, fmt.Errorf("query open session: %w", err)
	}
	open, err := scanSessions(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("scan open session: %w", err)
	}
	if len(open) == 0 {
		return nil, nil, nil
	}
	var repaired []int64
	for _, stale := range open[1:] {
		log.Error().
			Str("node", node).
			Str("vmID", vmID).
			Int64("sessionID", stale.ID).
			Msg("Multiple open sessions for one VM, closing older session")
		if _, err := closeSession(ctx, q, stale.ID, time.Now(), nil); err != nil {
			return nil, nil, fmt.Errorf("repair duplicate open session %d: %w", stale.ID, err)
		}
		repaired = append(repaired, stale.ID)
	}
	return open[0], repaired, nil
}

func openSession(ctx context.Context, q dbtx, node, vmID string, kind models.VMKind, startTime time.Time, correlator *string) (*models.Session, error) {
	now := fmtTime(time.Now())
	var corr any
	if correlator != nil {
		corr = *correlator
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO sessions (node, vm_id, kind, start_time, is_running,
			start_correlator, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		node, vmID, string(kind), fmtTime(startTime), corr, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSessionAlreadyOpen
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session insert id: %w", err)
	}
	return getSession(ctx, q, id)
}

// widenSessionStart moves an open session's start earlier. Later start
// times are rejected by the caller; the session log only ever grows.
func widenSessionStart(ctx context.Context, q dbtx, id int64, startTime time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sessions SET start_time = ?, updated_at = ? WHERE id = ?`,
		fmtTime(startTime), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("widen session start: %w", err)
	}
	return nil
}

func closeSession(ctx context.Context, q dbtx, id int64, endTime time.Time, stopCorrelator *string) (*models.Session, error) {
	sess, err := getSession(ctx, q, id)
	if err != nil {
		return nil, err
	}

	duration := int64(endTime.Sub(sess.StartTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	var corr any
	if stopCorrelator != nil {
		corr = *stopCorrelator
	}
	_, err = q.ExecContext(ctx, `
		UPDATE sessions SET end_time = ?, duration_seconds = ?,
			is_running = 0, stop_correlator = ?, updated_at = ?
		WHERE id = ?`,
		fmtTime(endTime), duration, corr, fmtTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	return getSession(ctx, q, id)
}

func getSession(ctx context.Context, q dbtx, id int64) (*models.Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}
	return sess, nil
}

func openSessionsForNode(ctx context.Context, q dbtx, node string) ([]*models.Session, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE node = ? AND is_running = 1
		ORDER BY vm_id`, node)
	if err != nil {
		return nil, fmt.Errorf("query open sessions for node: %w", err)
	}
	return scanSessions(rows)
}

func getTrackedVM(ctx context.Context, q dbtx, node, vmID string) (*models.TrackedVM, error) {
	row := q.QueryRowContext(ctx, `
		SELECT node, vm_id, name, kind, current_status, last_seen
		FROM tracked_vms WHERE node = ? AND vm_id = ?`, node, vmID)

	var (
		vm       models.TrackedVM
		name     sql.NullString
		kind     string
		status   string
		lastSeen string
	)
	err := row.Scan(&vm.Node, &vm.VMID, &name, &kind, &status, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tracked vm %s/%s: %w", node, vmID, err)
	}
	vm.Name = name.String
	vm.Kind = models.VMKind(kind)
	vm.CurrentStatus = models.VMStatus(status)
	if vm.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	return &vm, nil
}

func upsertTrackedVM(ctx context.Context, q dbtx, vm models.TrackedVM) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tracked_vms (node, vm_id, name, kind, current_status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node, vm_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE tracked_vms.name END,
			kind = excluded.kind,
			current_status = excluded.current_status,
			last_seen = excluded.last_seen`,
		vm.Node, vm.VMID, vm.Name, string(vm.Kind), string(vm.CurrentStatus), fmtTime(vm.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert tracked vm: %w", err)
	}
	return nil
}

// Store wrappers (autocommit).

func (s *Store) FindOpen(ctx context.Context, node, vmID string) (*models.Session, []int64, error) {
	return findOpen(ctx, s.db, node, vmID)
}

func (s *Store) OpenSession(ctx context.Context, node, vmID string, kind models.VMKind, startTime time.Time, correlator *string) (*models.Session, error) {
	return openSession(ctx, s.db, node, vmID, kind, startTime, correlator)
}

func (s *Store) WidenSessionStart(ctx context.Context, id int64, startTime time.Time) error {
	return widenSessionStart(ctx, s.db, id, startTime)
}

func (s *Store) CloseSession(ctx context.Context, id int64, endTime time.Time, stopCorrelator *string) (*models.Session, error) {
	return closeSession(ctx, s.db, id, endTime, stopCorrelator)
}

func (s *Store) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	return getSession(ctx, s.db, id)
}

func (s *Store) UpsertTrackedVM(ctx context.Context, vm models.TrackedVM) error {
	return upsertTrackedVM(ctx, s.db, vm)
}

func (s *Store) GetTrackedVM(ctx context.Context, node, vmID string) (*models.TrackedVM, error) {
	return getTrackedVM(ctx, s.db, node, vmID)
}

func (s *Store) OpenSessionsForNode(ctx context.Context, node string) ([]*models.Session, error) {
	return openSessionsForNode(ctx, s.db, node)
}

// Tx wrappers (event ingest and snapshot reconciliation).

func (t *Tx) FindOpen(ctx context.Context, node, vmID string) (*models.Session, []int64, error) {
	return findOpen(ctx, t.tx, node, vmID)
}

func (t *Tx) OpenSession(ctx context.Context, node, vmID string, kind models.VMKind, startTime time.Time, correlator *string) (*models.Session, error) {
	return openSession(ctx, t.tx, node, vmID, kind, startTime, correlator)
}

func (t *Tx) WidenSessionStart(ctx context.Context, id int64, startTime time.Time) error {
	return widenSessionStart(ctx, t.tx, id, startTime)
}

func (t *Tx) CloseSession(ctx context.Context, id int64, endTime time.Time, stopCorrelator *string) (*models.Session, error) {
	return closeSession(ctx, t.tx, id, endTime, stopCorrelator)
}

func (t *Tx) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	return getSession(ctx, t.tx, id)
}

func (t *Tx) UpsertTrackedVM(ctx context.Context, vm models.TrackedVM) error {
	return upsertTrackedVM(ctx, t.tx, vm)
}

func (t *Tx) GetTrackedVM(ctx context.Context, node, vmID string) (*models.TrackedVM, error) {
	return getTrackedVM(ctx, t.tx, node, vmID)
}

func (t *Tx) OpenSessionsForNode(ctx context.Context, node string) ([]*models.Session, error) {
	return openSessionsForNode(ctx, t.tx, node)
}

// SessionsOverlapping returns every session whose [start_time, end_time or
// now) intersects [t0, t1). Sessions that began before the window still
// count when they reach into it.
func (s *Store) SessionsOverlapping(ctx context.Context, vmID, node string, t0, t1 time.Time) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE vm_id = ? AND start_time < ? AND (end_time IS NULL OR end_time > ?)`
	args := []any{vmID, fmtTime(t1), fmtTime(t0)}
	if node != "" {
		query += ` AND node = ?`
		args = append(args, node)
	}
	query += ` ORDER BY start_time`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query overlapping sessions: %w", err)
	}
	return scanSessions(rows)
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	VMID    string
	Node    string
	Running *bool
	Start   *time.Time // start_time >= Start
	End     *time.Time // start_time <= End
	Limit   int
	Offset  int
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if f.VMID != "" {
		query += ` AND vm_id = ?`
		args = append(args, f.VMID)
	}
	if f.Node != "" {
		query += ` AND node = ?`
		args = append(args, f.Node)
	}
	if f.Running != nil {
		query += ` AND is_running = ?`
		args = append(args, *f.Running)
	}
	if f.Start != nil {
		query += ` AND start_time >= ?`
		args = append(args, fmtTime(*f.Start))
	}
	if f.End != nil {
		query += ` AND start_time <= ?`
		args = append(args, fmtTime(*f.End))
	}
	query += ` ORDER BY start_time DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return scanSessions(rows)
}

// ListTrackedVMs returns the current-state mirror, optionally scoped to a
// node.
func (s *Store) ListTrackedVMs(ctx context.Context, node string) ([]*models.TrackedVM, error) {
	query := `SELECT node, vm_id, name, kind, current_status, last_seen
		FROM tracked_vms`
	var args []any
	if node != "" {
		query += ` WHERE node = ?`
		args = append(args, node)
	}
	query += ` ORDER BY node, vm_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracked vms: %w", err)
	}
	defer rows.Close()

	var vms []*models.TrackedVM
	for rows.Next() {
		var (
			vm       models.TrackedVM
			name     sql.NullString
			kind     string
			status   string
			lastSeen string
		)
		if err := rows.Scan(&vm.Node, &vm.VMID, &name, &kind, &status, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan tracked vm: %w", err)
		}
		vm.Name = name.String
		vm.Kind = models.VMKind(kind)
		vm.CurrentStatus = models.VMStatus(status)
		if vm.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("parse last_seen: %w", err)
		}
		vms = append(vms, &vm)
	}
	return vms, rows.Err()
}

// DistinctSessionVMs lists every (vm_id, node) pair that has at least one
// session, for fleet-wide usage queries.
func (s *Store) DistinctSessionVMs(ctx context.Context, node string) ([][2]string, error) {
	query := `SELECT DISTINCT vm_id, node FROM sessions`
	var args []any
	if node != "" {
		query += ` WHERE node = ?`
		args = append(args, node)
	}
	query += ` ORDER BY node, vm_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query distinct session vms: %w", err)
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var vmID, nodeName string
		if err := rows.Scan(&vmID, &nodeName); err != nil {
			return nil, fmt.Errorf("scan distinct session vm: %w", err)
		}
		pairs = append(pairs, [2]string{vmID, nodeName})
	}
	return pairs, rows.Err()
}
