package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

const rentalColumns = `id, vm_id, node, customer_name, customer_email,
	rental_start, rental_end, billing_cycle, rate, is_active, notes,
	created_at, updated_at`

func scanRental(row rowScanner) (*models.Rental, error) {
	var (
		rental     models.Rental
		node       sql.NullString
		custName   sql.NullString
		custEmail  sql.NullString
		startRaw   string
		endRaw     sql.NullString
		cycle      string
		rate       sql.NullFloat64
		notes      sql.NullString
		createdRaw string
		updatedRaw string
	)
	err := row.Scan(&rental.ID, &rental.VMID, &node, &custName, &custEmail,
		&startRaw, &endRaw, &cycle, &rate, &rental.IsActive, &notes,
		&createdRaw, &updatedRaw)
	if err != nil {
		return nil, err
	}

	if node.Valid {
		v := node.String
		rental.Node = &v
	}
	if custName.Valid {
		v := custName.String
		rental.CustomerName = &v
	}
	if custEmail.Valid {
		v := custEmail.String
		rental.CustomerEmail = &v
	}
	if rental.RentalStart, err = parseTime(startRaw); err != nil {
		return nil, fmt.Errorf("parse rental_start: %w", err)
	}
	if rental.RentalEnd, err = parseTimePtr(endRaw); err != nil {
		return nil, fmt.Errorf("parse rental_end: %w", err)
	}
	rental.BillingCycle = models.BillingCycle(cycle)
	if rate.Valid {
		v := rate.Float64
		rental.Rate = &v
	}
	if notes.Valid {
		v := notes.String
		rental.Notes = &v
	}
	if rental.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rental.UpdatedAt, err = parseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rental, nil
}

func strPtrArg(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func f64PtrArg(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// CreateRental inserts a rental and returns it with its assigned id.
func (s *Store) CreateRental(ctx context.Context, r *models.Rental) (*models.Rental, error) {
	now := fmtTime(time.Now())
	cycle := r.BillingCycle
	if cycle == "" {
		cycle = models.CycleMonthly
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rentals (vm_id, node, customer_name, customer_email,
			rental_start, rental_end, billing_cycle, rate, is_active, notes,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		r.VMID, strPtrArg(r.Node), strPtrArg(r.CustomerName), strPtrArg(r.CustomerEmail),
		fmtTime(r.RentalStart), fmtTimePtr(r.RentalEnd), string(cycle),
		f64PtrArg(r.Rate), strPtrArg(r.Notes), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert rental: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("rental insert id: %w", err)
	}
	return s.GetRental(ctx, id)
}

// UpdateRental replaces the mutable fields of a rental.
func (s *Store) UpdateRental(ctx context.Context, r *models.Rental) (*models.Rental, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rentals SET vm_id = ?, node = ?, customer_name = ?,
			customer_email = ?, rental_start = ?, rental_end = ?,
			billing_cycle = ?, rate = ?, is_active = ?, notes = ?,
			updated_at = ?
		WHERE id = ?`,
		r.VMID, strPtrArg(r.Node), strPtrArg(r.CustomerName), strPtrArg(r.CustomerEmail),
		fmtTime(r.RentalStart), fmtTimePtr(r.RentalEnd), string(r.BillingCycle),
		f64PtrArg(r.Rate), r.IsActive, strPtrArg(r.Notes), fmtTime(time.Now()), r.ID)
	if err != nil {
		return nil, fmt.Errorf("update rental: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update rental rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetRental(ctx, r.ID)
}

// DeleteRental removes a rental.
func (s *Store) DeleteRental(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rentals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rental: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rental rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRental returns one rental by id.
func (s *Store) GetRental(ctx context.Context, id int64) (*models.Rental, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rentalColumns+` FROM rentals WHERE id = ?`, id)
	rental, err := scanRental(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rental %d: %w", id, err)
	}
	return rental, nil
}

// RentalFilter narrows ListRentals.
type RentalFilter struct {
	VMID       string
	Node       string
	ActiveOnly bool
}

// ListRentals returns rentals matching the filter, newest first.
func (s *Store) ListRentals(ctx context.Context, f RentalFilter) ([]*models.Rental, error) {
	query := `SELECT ` + rentalColumns + ` FROM rentals WHERE 1=1`
	var args []any
	if f.VMID != "" {
		query += ` AND vm_id = ?`
		args = append(args, f.VMID)
	}
	if f.Node != "" {
		query += ` AND node = ?`
		args = append(args, f.Node)
	}
	if f.ActiveOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY rental_start DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rentals: %w", err)
	}
	defer rows.Close()

	var rentals []*models.Rental
	for rows.Next() {
		rental, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		rentals = append(rentals, rental)
	}
	return rentals, rows.Err()
}

// ActiveRentalForVM returns the most recent active rental for a VM, or
// ErrNotFound.
func (s *Store) ActiveRentalForVM(ctx context.Context, vmID string) (*models.Rental, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rentalColumns+` FROM rentals
		WHERE vm_id = ? AND is_active = 1
		ORDER BY rental_start DESC LIMIT 1`, vmID)
	rental, err := scanRental(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active rental for vm %s: %w", vmID, err)
	}
	return rental, nil
}
