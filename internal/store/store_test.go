package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestOpenAndCloseSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.OpenSession(ctx, "pve1", "100", models.KindFullVM, ts("2025-01-01T10:00:00Z"), nil)
	require.NoError(t, err)
	assert.True(t, sess.IsRunning)
	assert.Nil(t, sess.EndTime)
	assert.Equal(t, ts("2025-01-01T10:00:00Z"), sess.StartTime)

	closed, err := st.CloseSession(ctx, sess.ID, ts("2025-01-01T12:30:00Z"), nil)
	require.NoError(t, err)
	assert.False(t, closed.IsRunning)
	require.NotNil(t, closed.DurationSeconds)
	assert.Equal(t, int64(9000), *closed.DurationSeconds)
	require.NotNil(t, closed.EndTime)
	assert.Equal(t, ts("2025-01-01T12:30:00Z"), *closed.EndTime)
}

func TestOpenSessionConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.OpenSession(ctx, "pve1", "100", models.KindFullVM, ts("2025-01-01T10:00:00Z"), nil)
	require.NoError(t, err)

	_, err = st.OpenSession(ctx, "pve1", "100", models.KindFullVM, ts("2025-01-01T11:00:00Z"), nil)
	assert.ErrorIs(t, err, ErrSessionAlreadyOpen)

	// Same vm_id on another node is a distinct entity
	_, err = st.OpenSession(ctx, "pve2", "100", models.KindFullVM, ts("2025-01-01T11:00:00Z"), nil)
	assert.NoError(t, err)
}

func TestFindOpen(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	found, _, err := st.FindOpen(ctx, "pve1", "100")
	require.NoError(t, err)
	assert.Nil(t, found)

	sess, err := st.OpenSession(ctx, "pve1", "100", models.KindContainer, ts("2025-01-01T10:00:00Z"), nil)
	require.NoError(t, err)

	found, _, err = st.FindOpen(ctx, "pve1", "100")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sess.ID, found.ID)
	assert.Equal(t, models.KindContainer, found.Kind)

	_, err = st.CloseSession(ctx, sess.ID, ts("2025-01-01T11:00:00Z"), nil)
	require.NoError(t, err)

	found, _, err = st.FindOpen(ctx, "pve1", "100")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindOpenRepairsDuplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Two open rows cannot happen through the API; simulate a database
	// restored without the partial index.
	first, err := st.OpenSession(ctx, "pve1", "100", models.KindFullVM, ts("2025-01-01T10:00:00Z"), nil)
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx, `DROP INDEX idx_sessions_open`)
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO sessions (node, vm_id, kind, start_time, is_running, created_at, updated_at)
		VALUES ('pve1', '100', 'full-vm', ?, 1, ?, ?)`,
		fmtTime(ts("2025-01-01T11:00:00Z")), fmtTime(time.Now()), fmtTime(time.Now()))
	require.NoError(t, err)

	found, repaired, err := st.FindOpen(ctx, "pve1", "100")
	require.NoError(t, err)
	require.NotNil(t, found)
	// The newest survives, the older one is closed and reported back so the
	// caller can warn about the repair.
	assert.Equal(t, ts("2025-01-01T11:00:00Z"), found.StartTime)
	assert.Equal(t, []int64{first.ID}, repaired)

	older, err := st.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, older.IsRunning)
	assert.NotNil(t, older.EndTime)
}

func TestWidenSessionStart(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.OpenSession(ctx, "pve1", "100", models.KindFullVM, ts("2025-01-01T10:00:00Z"), nil)
	require.NoError(t, err)

	require.NoError(t, st.WidenSessionStart(ctx, sess.ID, ts("2025-01-01T09:30:00Z")))
	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, ts("2025-01-01T09:30:00Z"), got.StartTime)
}

func TestSessionsOverlapping(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Closed before the window
	s1, err := st.OpenSession(ctx, "pve1", "100", models.KindFullVM, ts("2025-01-01T00:00:00Z"), nil)
	require.NoError(t, err)
	_, err = st.CloseSession(ctx, s1.ID, ts("2025-01-01T01:00:00Z"), nil)
	require.NoError(t, err)

	// Straddles the window start
	s2, err := st.OpenSession(ctx, "pve1", "100", models.KindFullVM, ts("2025-01-01T09:00:00Z"), nil)
	require.NoError(t, err)
	_, err = st.CloseSession(ctx, s2.ID, ts("2025-01-01T11:00:00Z"), nil)
	require.NoError(t, err)

	// Open-ended, still running
	s3, err := st.OpenSession(ctx, "pve1", "100", models.KindFullVM, ts("2025-01-01T12:00:00Z"), nil)
	require.NoError(t, err)

	sessions, err := st.SessionsOverlapping(ctx, "100", "pve1", ts("2025-01-01T10:00:00Z"), ts("2025-01-01T13:00:00Z"))
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, s2.ID, sessions[0].ID)
	assert.Equal(t, s3.ID, sessions[1].ID)

	// Node filter
	sessions, err = st.SessionsOverlapping(ctx, "100", "pve2", ts("2025-01-01T10:00:00Z"), ts("2025-01-01T13:00:00Z"))
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestUpsertTrackedVM(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	vm := models.TrackedVM{
		Node:          "pve1",
		VMID:          "100",
		Name:          "web01",
		Kind:          models.KindFullVM,
		CurrentStatus: models.StatusRunning,
		LastSeen:      ts("2025-01-01T10:00:00Z"),
	}
	require.NoError(t, st.UpsertTrackedVM(ctx, vm))

	// Status flips, empty name keeps the old one
	vm.Name = ""
	vm.CurrentStatus = models.StatusStopped
	require.NoError(t, st.UpsertTrackedVM(ctx, vm))

	vms, err := st.ListTrackedVMs(ctx, "pve1")
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, "web01", vms[0].Name)
	assert.Equal(t, models.StatusStopped, vms[0].CurrentStatus)
}

func TestGetTrackedVM(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetTrackedVM(ctx, "pve1", "100")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.UpsertTrackedVM(ctx, models.TrackedVM{
		Node:          "pve1",
		VMID:          "100",
		Name:          "ct01",
		Kind:          models.KindContainer,
		CurrentStatus: models.StatusStopped,
		LastSeen:      ts("2025-01-01T10:00:00Z"),
	}))

	vm, err := st.GetTrackedVM(ctx, "pve1", "100")
	require.NoError(t, err)
	assert.Equal(t, "ct01", vm.Name)
	assert.Equal(t, models.KindContainer, vm.Kind)
	assert.Equal(t, models.StatusStopped, vm.CurrentStatus)
}

func TestNodeLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.RegisterNode(ctx, "pve1", "pve1.example.com")
	require.NoError(t, err)
	assert.Positive(t, id)

	// Idempotent
	id2, err := st.RegisterNode(ctx, "pve1", "")
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	require.NoError(t, st.BumpNodeEvents(ctx, "pve1", ts("2025-01-01T10:00:00Z")))
	require.NoError(t, st.SetNodeVMCount(ctx, "pve1", 7))

	node, err := st.GetNode(ctx, "pve1")
	require.NoError(t, err)
	assert.Equal(t, "pve1.example.com", node.Hostname)
	assert.Equal(t, int64(1), node.TotalEvents)
	assert.Equal(t, 7, node.TotalVMs)
	assert.NotNil(t, node.LastSeen)

	// Touching an unknown node registers it
	require.NoError(t, st.TouchNode(ctx, "pve2"))
	nodes, err := st.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	require.NoError(t, st.DeleteNode(ctx, "pve2"))
	assert.ErrorIs(t, st.DeleteNode(ctx, "pve2"), ErrNotFound)
}

func TestRentalCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	node := "pve1"
	customer := "ACME Corp"
	rate := 0.5
	created, err := st.CreateRental(ctx, &models.Rental{
		VMID:         "100",
		Node:         &node,
		CustomerName: &customer,
		RentalStart:  ts("2025-01-01T00:00:00Z"),
		BillingCycle: models.CycleHourly,
		Rate:         &rate,
	})
	require.NoError(t, err)
	assert.True(t, created.IsActive)
	require.NotNil(t, created.Rate)
	assert.Equal(t, 0.5, *created.Rate)

	created.BillingCycle = models.CycleMonthly
	updated, err := st.UpdateRental(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, models.CycleMonthly, updated.BillingCycle)

	active, err := st.ActiveRentalForVM(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)

	_, err = st.ActiveRentalForVM(ctx, "999")
	assert.ErrorIs(t, err, ErrNotFound)

	rentals, err := st.ListRentals(ctx, RentalFilter{VMID: "100", ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, rentals, 1)

	require.NoError(t, st.DeleteRental(ctx, created.ID))
	_, err = st.GetRental(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInTxRollback(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.OpenSession(ctx, "pve1", "100", models.KindFullVM, ts("2025-01-01T10:00:00Z"), nil); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	found, _, err := st.FindOpen(ctx, "pve1", "100")
	require.NoError(t, err)
	assert.Nil(t, found)
}
