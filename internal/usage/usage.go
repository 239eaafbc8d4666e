// Package usage turns the session log into billable numbers: window
// totals, per-day buckets, and rental reports with cost.
package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/store"
)

// Calculator answers usage queries against the session store. It is a pure
// reader; nothing here mutates sessions.
type Calculator struct {
	store *store.Store
	nowFn func() time.Time
}

// New creates a calculator over the given store.
func New(st *store.Store) *Calculator {
	return &Calculator{store: st, nowFn: time.Now}
}

// Window is a half-open query interval [Start, End). A zero Start means
// "from the beginning"; a zero End means "until now".
type Window struct {
	Start time.Time
	End   time.Time
}

func (c *Calculator) resolve(w Window) (time.Time, time.Time) {
	start := w.Start
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	end := w.End
	if end.IsZero() {
		end = c.nowFn()
	}
	return start.UTC(), end.UTC()
}

// clip intersects a session with [t0, t1). Open sessions run until now.
func clip(sess *models.Session, t0, t1, now time.Time) (time.Time, time.Time) {
	s := sess.StartTime
	if s.Before(t0) {
		s = t0
	}
	e := now
	if sess.EndTime != nil {
		e = *sess.EndTime
	}
	if e.After(t1) {
		e = t1
	}
	return s, e
}

// VMUsage is the aggregate runtime of one VM over a window.
type VMUsage struct {
	VMID              string    `json:"vm_id"`
	Node              string    `json:"node,omitempty"`
	TotalSeconds      int64     `json:"total_seconds"`
	TotalHours        float64   `json:"total_hours"`
	SessionCount      int       `json:"session_count"`
	FormattedDuration string    `json:"formatted_duration"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
}

// VMUsage computes the total runtime of one VM over the window. Sessions
// only touching the window at a boundary contribute nothing and are not
// counted.
func (c *Calculator) VMUsage(ctx context.Context, vmID, node string, w Window) (*VMUsage, error) {
	t0, t1 := c.resolve(w)
	sessions, err := c.store.SessionsOverlapping(ctx, vmID, node, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("usage for vm %s: %w", vmID, err)
	}

	now := c.nowFn()
	var total int64
	var count int
	for _, sess := range sessions {
		s, e := clip(sess, t0, t1, now)
		if !e.After(s) {
			continue
		}
		total += int64(e.Sub(s).Seconds())
		count++
	}

	return &VMUsage{
		VMID:              vmID,
		Node:              node,
		TotalSeconds:      total,
		TotalHours:        float64(total) / 3600.0,
		SessionCount:      count,
		FormattedDuration: models.FormatDuration(total),
		PeriodStart:       t0,
		PeriodEnd:         t1,
	}, nil
}

// DailyBreakdown buckets a VM's clipped runtime into UTC calendar days.
// Keys are "YYYY-MM-DD". With dense set, every day in the window appears
// even when zero.
func (c *Calculator) DailyBreakdown(ctx context.Context, vmID, node string, w Window, dense bool) (map[string]int64, error) {
	t0, t1 := c.resolve(w)
	sessions, err := c.store.SessionsOverlapping(ctx, vmID, node, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("daily breakdown for vm %s: %w", vmID, err)
	}

	daily := make(map[string]int64)
	if dense {
		for day := dayStart(t0); day.Before(t1); day = day.AddDate(0, 0, 1) {
			daily[day.Format("2006-01-02")] = 0
		}
	}

	now := c.nowFn()
	for _, sess := range sessions {
		s, e := clip(sess, t0, t1, now)
		if !e.After(s) {
			continue
		}
		for day := dayStart(s); day.Before(e); day = day.AddDate(0, 0, 1) {
			next := day.AddDate(0, 0, 1)
			lo, hi := s, e
			if lo.Before(day) {
				lo = day
			}
			if hi.After(next) {
				hi = next
			}
			if hi.After(lo) {
				daily[day.Format("2006-01-02")] += int64(hi.Sub(lo).Seconds())
			}
		}
	}
	return daily, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AllVMsUsage reports the usage of every VM with at least one session,
// sorted by total runtime descending.
func (c *Calculator) AllVMsUsage(ctx context.Context, node string, w Window) ([]*VMUsage, error) {
	pairs, err := c.store.DistinctSessionVMs(ctx, node)
	if err != nil {
		return nil, err
	}
	usages := make([]*VMUsage, 0, len(pairs))
	for _, pair := range pairs {
		u, err := c.VMUsage(ctx, pair[0], pair[1], w)
		if err != nil {
			return nil, err
		}
		usages = append(usages, u)
	}
	sort.Slice(usages, func(i, j int) bool {
		return usages[i].TotalSeconds > usages[j].TotalSeconds
	})
	return usages, nil
}
