package usage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/store"
)

const (
	secondsPerHour  = 3600
	secondsPerWeek  = 7 * 86400
	secondsPerMonth = 30 * 86400 // stated approximation, not calendar truth
)

// Cost applies a rental's rate to a runtime total. A nil rate yields a nil
// cost (unpriced, not free). Weekly and monthly cycles prorate against
// fixed 7- and 30-day periods.
func Cost(r *models.Rental, totalSeconds int64) *float64 {
	if r.Rate == nil {
		return nil
	}
	var periodSeconds float64
	switch r.BillingCycle {
	case models.CycleWeekly:
		periodSeconds = secondsPerWeek
	case models.CycleMonthly:
		periodSeconds = secondsPerMonth
	default:
		periodSeconds = secondsPerHour
	}
	cost := float64(totalSeconds) / periodSeconds * *r.Rate
	cost = math.Round(cost*100) / 100
	return &cost
}

// RentalReport is the usage and cost of one rental over a window.
type RentalReport struct {
	RentalID          int64             `json:"rental_id"`
	VMID              string            `json:"vm_id"`
	CustomerName      *string           `json:"customer_name,omitempty"`
	ReportStart       time.Time         `json:"report_start"`
	ReportEnd         time.Time         `json:"report_end"`
	TotalSeconds      int64             `json:"total_seconds"`
	TotalHours        float64           `json:"total_hours"`
	SessionCount      int               `json:"session_count"`
	FormattedDuration string            `json:"formatted_duration"`
	Sessions          []*models.Session `json:"sessions"`
	BillingCycle      models.BillingCycle `json:"billing_cycle"`
	Rate              *float64          `json:"rate,omitempty"`
	TotalCost         *float64          `json:"total_cost,omitempty"`
	CostBasis         string            `json:"cost_basis"`
}

// RentalReport generates a usage report for one rental. The window
// defaults to the rental period, open end clamped to now.
func (c *Calculator) RentalReport(ctx context.Context, rental *models.Rental, w *Window) (*RentalReport, error) {
	start := rental.RentalStart
	end := c.nowFn()
	if rental.RentalEnd != nil {
		end = *rental.RentalEnd
	}
	if w != nil {
		if !w.Start.IsZero() {
			start = w.Start
		}
		if !w.End.IsZero() {
			end = w.End
		}
	}

	node := ""
	if rental.Node != nil {
		node = *rental.Node
	}
	usage, err := c.VMUsage(ctx, rental.VMID, node, Window{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("rental %d report: %w", rental.ID, err)
	}
	sessions, err := c.store.SessionsOverlapping(ctx, rental.VMID, node, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("rental %d sessions: %w", rental.ID, err)
	}

	return &RentalReport{
		RentalID:          rental.ID,
		VMID:              rental.VMID,
		CustomerName:      rental.CustomerName,
		ReportStart:       start.UTC(),
		ReportEnd:         end.UTC(),
		TotalSeconds:      usage.TotalSeconds,
		TotalHours:        usage.TotalHours,
		SessionCount:      usage.SessionCount,
		FormattedDuration: usage.FormattedDuration,
		Sessions:          sessions,
		BillingCycle:      rental.BillingCycle,
		Rate:              rental.Rate,
		TotalCost:         Cost(rental, usage.TotalSeconds),
		CostBasis:         "approximate",
	}, nil
}

// DailyUsage is one day's total inside a monthly report.
type DailyUsage struct {
	Date              string `json:"date"`
	TotalSeconds      int64  `json:"total_seconds"`
	FormattedDuration string `json:"formatted_duration"`
}

// MonthlyReport is a calendar month's usage with a daily breakdown.
type MonthlyReport struct {
	Year              int          `json:"year"`
	Month             int          `json:"month"`
	TotalSeconds      int64        `json:"total_seconds"`
	SessionCount      int          `json:"session_count"`
	FormattedDuration string       `json:"formatted_duration"`
	DailyBreakdown    []DailyUsage `json:"daily_breakdown"`
}

// MonthlyReport computes one calendar month of a rental, clamped to the
// rental period.
func (c *Calculator) MonthlyReport(ctx context.Context, rental *models.Rental, year, month int) (*MonthlyReport, error) {
	monthStart := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	start := monthStart
	if rental.RentalStart.After(start) {
		start = rental.RentalStart
	}
	end := monthEnd
	if rental.RentalEnd != nil && rental.RentalEnd.Before(end) {
		end = *rental.RentalEnd
	}
	if now := c.nowFn(); rental.RentalEnd == nil && now.Before(end) {
		end = now
	}

	report := &MonthlyReport{
		Year:              year,
		Month:             month,
		FormattedDuration: models.FormatDuration(0),
		DailyBreakdown:    []DailyUsage{},
	}
	if !start.Before(end) {
		return report, nil
	}

	node := ""
	if rental.Node != nil {
		node = *rental.Node
	}
	window := Window{Start: start, End: end}
	daily, err := c.DailyBreakdown(ctx, rental.VMID, node, window, false)
	if err != nil {
		return nil, fmt.Errorf("rental %d monthly breakdown: %w", rental.ID, err)
	}
	usage, err := c.VMUsage(ctx, rental.VMID, node, window)
	if err != nil {
		return nil, fmt.Errorf("rental %d monthly usage: %w", rental.ID, err)
	}

	dates := make([]string, 0, len(daily))
	for date := range daily {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	var total int64
	for _, date := range dates {
		seconds := daily[date]
		total += seconds
		report.DailyBreakdown = append(report.DailyBreakdown, DailyUsage{
			Date:              date,
			TotalSeconds:      seconds,
			FormattedDuration: models.FormatDuration(seconds),
		})
	}
	report.TotalSeconds = total
	report.SessionCount = usage.SessionCount
	report.FormattedDuration = models.FormatDuration(total)
	return report, nil
}

// CustomerRental is one rental line inside a customer summary.
type CustomerRental struct {
	RentalID         int64               `json:"rental_id"`
	VMID             string              `json:"vm_id"`
	Node             *string             `json:"node,omitempty"`
	BillingCycle     models.BillingCycle `json:"billing_cycle"`
	RuntimeSeconds   int64               `json:"runtime_seconds"`
	RuntimeFormatted string              `json:"runtime_formatted"`
	Rate             *float64            `json:"rate,omitempty"`
	Cost             float64             `json:"cost"`
	RentalStart      time.Time           `json:"rental_start"`
	RentalEnd        *time.Time          `json:"rental_end,omitempty"`
}

// CustomerTotal aggregates all of one customer's active rentals.
type CustomerTotal struct {
	CustomerName          string           `json:"customer_name"`
	CustomerEmail         *string          `json:"customer_email,omitempty"`
	TotalVMs              int              `json:"total_vms"`
	TotalRuntimeSeconds   int64            `json:"total_runtime_seconds"`
	TotalRuntimeFormatted string           `json:"total_runtime_formatted"`
	TotalCost             float64          `json:"total_cost"`
	Rentals               []CustomerRental `json:"rentals"`
}

// CustomerSummary is the fleet-wide billing rollup.
type CustomerSummary struct {
	Customers []CustomerTotal `json:"customers"`
	Totals    GrandTotals     `json:"totals"`
}

// GrandTotals sums the per-customer rows.
type GrandTotals struct {
	TotalCustomers        int     `json:"total_customers"`
	TotalVMs              int     `json:"total_vms"`
	TotalRuntimeSeconds   int64   `json:"total_runtime_seconds"`
	TotalRuntimeFormatted string  `json:"total_runtime_formatted"`
	TotalCost             float64 `json:"total_cost"`
}

// CustomerSummary groups every active rental by customer and totals
// runtime and cost.
func (c *Calculator) CustomerSummary(ctx context.Context) (*CustomerSummary, error) {
	rentals, err := c.store.ListRentals(ctx, store.RentalFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("customer summary rentals: %w", err)
	}

	byCustomer := make(map[string]*CustomerTotal)
	for _, rental := range rentals {
		key := "Unknown"
		if rental.CustomerName != nil && *rental.CustomerName != "" {
			key = *rental.CustomerName
		}
		total, ok := byCustomer[key]
		if !ok {
			total = &CustomerTotal{CustomerName: key, CustomerEmail: rental.CustomerEmail}
			byCustomer[key] = total
		}
		if total.CustomerEmail == nil && rental.CustomerEmail != nil {
			total.CustomerEmail = rental.CustomerEmail
		}

		node := ""
		if rental.Node != nil {
			node = *rental.Node
		}
		end := c.nowFn()
		if rental.RentalEnd != nil {
			end = *rental.RentalEnd
		}
		usage, err := c.VMUsage(ctx, rental.VMID, node, Window{Start: rental.RentalStart, End: end})
		if err != nil {
			return nil, fmt.Errorf("customer summary usage for rental %d: %w", rental.ID, err)
		}

		var cost float64
		if priced := Cost(rental, usage.TotalSeconds); priced != nil {
			cost = *priced
		}
		total.Rentals = append(total.Rentals, CustomerRental{
			RentalID:         rental.ID,
			VMID:             rental.VMID,
			Node:             rental.Node,
			BillingCycle:     rental.BillingCycle,
			RuntimeSeconds:   usage.TotalSeconds,
			RuntimeFormatted: usage.FormattedDuration,
			Rate:             rental.Rate,
			Cost:             cost,
			RentalStart:      rental.RentalStart,
			RentalEnd:        rental.RentalEnd,
		})
		total.TotalVMs++
		total.TotalRuntimeSeconds += usage.TotalSeconds
		total.TotalCost = math.Round((total.TotalCost+cost)*100) / 100
	}

	summary := &CustomerSummary{Customers: make([]CustomerTotal, 0, len(byCustomer))}
	names := make([]string, 0, len(byCustomer))
	for name := range byCustomer {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		total := byCustomer[name]
		total.TotalRuntimeFormatted = models.FormatDuration(total.TotalRuntimeSeconds)
		summary.Customers = append(summary.Customers, *total)

		summary.Totals.TotalCustomers++
		summary.Totals.TotalVMs += total.TotalVMs
		summary.Totals.TotalRuntimeSeconds += total.TotalRuntimeSeconds
		summary.Totals.TotalCost = math.Round((summary.Totals.TotalCost+total.TotalCost)*100) / 100
	}
	summary.Totals.TotalRuntimeFormatted = models.FormatDuration(summary.Totals.TotalRuntimeSeconds)
	return summary, nil
}
