// Package models defines the shared domain types: VM states as reported by
// agents, sessions and tracked VMs as persisted by the manager, registered
// nodes, and rental configurations.
package models

import (
	"fmt"
	"strings"
	"time"
)

// VMStatus is the normalized power state of a VM or container.
type VMStatus string

const (
	StatusRunning VMStatus = "running"
	StatusStopped VMStatus = "stopped"
	StatusPaused  VMStatus = "paused"
	StatusUnknown VMStatus = "unknown"
)

// ParseVMStatus maps a raw hypervisor status string onto the enum.
// Anything unrecognized becomes StatusUnknown.
func ParseVMStatus(raw string) VMStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running":
		return StatusRunning
	case "stopped":
		return StatusStopped
	case "paused", "suspended":
		return StatusPaused
	default:
		return StatusUnknown
	}
}

// VMKind distinguishes full virtual machines from system containers.
// The system treats both identically except for this tag.
type VMKind string

const (
	KindFullVM    VMKind = "full-vm"
	KindContainer VMKind = "container"
)

// ParseVMKind normalizes a kind string; unknown values default to full-vm.
func ParseVMKind(raw string) VMKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "container", "lxc", "ct":
		return KindContainer
	default:
		return KindFullVM
	}
}

// VMState is one VM's state as observed by an agent on a single poll.
// It is ephemeral: compared against the previous poll and then replaced.
type VMState struct {
	Node          string   `json:"node"`
	VMID          string   `json:"vm_id"`
	Kind          VMKind   `json:"kind"`
	Name          string   `json:"name,omitempty"`
	Status        VMStatus `json:"status"`
	UptimeSeconds int64    `json:"uptime"`
}

// Session is one continuous interval during which a VM was running, as
// known to the manager. At most one session per (node, vm_id) may have
// IsRunning true.
type Session struct {
	ID              int64      `json:"id"`
	Node            string     `json:"node"`
	VMID            string     `json:"vm_id"`
	Kind            VMKind     `json:"kind"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	IsRunning       bool       `json:"is_running"`
	StartCorrelator *string    `json:"start_correlator,omitempty"`
	StopCorrelator  *string    `json:"stop_correlator,omitempty"`
	User            *string    `json:"user,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Duration returns the session length: against EndTime when closed,
// against now when still open.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end.Before(s.StartTime) {
		return 0
	}
	return end.Sub(s.StartTime)
}

// TrackedVM is the current-state mirror of one (node, vm_id). Authoritative
// only for the last known status, never for billable duration.
type TrackedVM struct {
	Node          string    `json:"node"`
	VMID          string    `json:"vm_id"`
	Name          string    `json:"name,omitempty"`
	Kind          VMKind    `json:"kind"`
	CurrentStatus VMStatus  `json:"current_status"`
	LastSeen      time.Time `json:"last_seen"`
}

// Node is a registered hypervisor host that sends data to the manager.
type Node struct {
	Name          string     `json:"name"`
	Hostname      string     `json:"hostname,omitempty"`
	IsActive      bool       `json:"is_active"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	LastEventTime *time.Time `json:"last_event_time,omitempty"`
	TotalEvents   int64      `json:"total_events"`
	TotalVMs      int        `json:"total_vms"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// BillingCycle selects how a rental's rate is applied.
type BillingCycle string

const (
	CycleHourly  BillingCycle = "hourly"
	CycleWeekly  BillingCycle = "weekly"
	CycleMonthly BillingCycle = "monthly"
)

// Valid reports whether the cycle is one of the known values.
func (c BillingCycle) Valid() bool {
	switch c {
	case CycleHourly, CycleWeekly, CycleMonthly:
		return true
	}
	return false
}

// Rental attaches a billing configuration to a (node?, vm_id) pair over a
// time range. Independent of sessions; used only to scope and price usage
// queries.
type Rental struct {
	ID            int64        `json:"id"`
	VMID          string       `json:"vm_id"`
	Node          *string      `json:"node,omitempty"`
	CustomerName  *string      `json:"customer_name,omitempty"`
	CustomerEmail *string      `json:"customer_email,omitempty"`
	RentalStart   time.Time    `json:"rental_start"`
	RentalEnd     *time.Time   `json:"rental_end,omitempty"`
	BillingCycle  BillingCycle `json:"billing_cycle"`
	Rate          *float64     `json:"rate,omitempty"`
	IsActive      bool         `json:"is_active"`
	Notes         *string      `json:"notes,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// FormatDuration renders seconds as "Xh Ym" for reports.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
}
