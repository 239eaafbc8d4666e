package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

const nodeColumns = `name, hostname, is_active, last_seen, last_event_time,
	total_events, total_vms, created_at, updated_at`

func scanNode(row rowScanner) (*models.Node, error) {
	var (
		node       models.Node
		hostname   sql.NullString
		lastSeen   sql.NullString
		lastEvent  sql.NullString
		createdRaw string
		updatedRaw string
	)
	err := row.Scan(&node.Name, &hostname, &node.IsActive, &lastSeen,
		&lastEvent, &node.TotalEvents, &node.TotalVMs, &createdRaw, &updatedRaw)
	if err != nil {
		return nil, err
	}
	node.Hostname = hostname.String
	if node.LastSeen, err = parseTimePtr(lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	if node.LastEventTime, err = parseTimePtr(lastEvent); err != nil {
		return nil, fmt.Errorf("parse last_event_time: %w", err)
	}
	if node.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if node.UpdatedAt, err = parseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &node, nil
}

func registerNode(ctx context.Context, q dbtx, name, hostname string) (int64, error) {
	now := fmtTime(time.Now())
	_, err := q.ExecContext(ctx, `
		INSERT INTO nodes (name, hostname, is_active, last_seen, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			hostname = CASE WHEN excluded.hostname != '' THEN excluded.hostname ELSE nodes.hostname END,
			is_active = 1,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		name, hostname, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("register node: %w", err)
	}

	var id int64
	if err := q.QueryRowContext(ctx, `SELECT id FROM nodes WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("node id lookup: %w", err)
	}
	return id, nil
}

func touchNode(ctx context.Context, q dbtx, name string) error {
	now := fmtTime(time.Now())
	res, err := q.ExecContext(ctx, `
		UPDATE nodes SET last_seen = ?, updated_at = ? WHERE name = ?`,
		now, now, name)
	if err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch node rows: %w", err)
	}
	if affected == 0 {
		_, err = registerNode(ctx, q, name, "")
		return err
	}
	return nil
}

func bumpNodeEvents(ctx context.Context, q dbtx, name string, eventTime time.Time) error {
	if err := touchNode(ctx, q, name); err != nil {
		return err
	}
	now := fmtTime(time.Now())
	_, err := q.ExecContext(ctx, `
		UPDATE nodes SET total_events = total_events + 1,
			last_event_time = ?, updated_at = ?
		WHERE name = ?`,
		fmtTime(eventTime), now, name)
	if err != nil {
		return fmt.Errorf("bump node events: %w", err)
	}
	return nil
}

// RegisterNode creates or reactivates a node row. Idempotent.
func (s *Store) RegisterNode(ctx context.Context, name, hostname string) (int64, error) {
	return registerNode(ctx, s.db, name, hostname)
}

// TouchNode bumps last_seen, registering the node first if it is unknown.
func (s *Store) TouchNode(ctx context.Context, name string) error {
	return touchNode(ctx, s.db, name)
}

// BumpNodeEvents records one more ingested event for the node.
func (s *Store) BumpNodeEvents(ctx context.Context, name string, eventTime time.Time) error {
	return bumpNodeEvents(ctx, s.db, name, eventTime)
}

func (t *Tx) BumpNodeEvents(ctx context.Context, name string, eventTime time.Time) error {
	return bumpNodeEvents(ctx, t.tx, name, eventTime)
}

// SetNodeVMCount records how many VMs the last snapshot carried.
func (s *Store) SetNodeVMCount(ctx context.Context, name string, count int) error {
	if err := s.TouchNode(ctx, name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET total_vms = ?, updated_at = ? WHERE name = ?`,
		count, fmtTime(time.Now()), name)
	if err != nil {
		return fmt.Errorf("set node vm count: %w", err)
	}
	return nil
}

// GetNode returns one node by name.
func (s *Store) GetNode(ctx context.Context, name string) (*models.Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, name)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", name, err)
	}
	return node, nil
}

// ListNodes returns all registered nodes.
func (s *Store) ListNodes(ctx context.Context) ([]*models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// CountActiveNodes reports nodes seen within the given window; the health
// endpoint uses it.
func (s *Store) CountActiveNodes(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM nodes WHERE is_active = 1 AND last_seen >= ?`,
		fmtTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active nodes: %w", err)
	}
	return n, nil
}

// DeleteNode removes a node row. Sessions are kept; they are the billing
// record.
func (s *Store) DeleteNode(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete node rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
