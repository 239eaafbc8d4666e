package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/store"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/usage"
)

type rentalRequest struct {
	VMID          string   `json:"vm_id"`
	Node          *string  `json:"node"`
	CustomerName  *string  `json:"customer_name"`
	CustomerEmail *string  `json:"customer_email"`
	RentalStart   string   `json:"rental_start"`
	RentalEnd     *string  `json:"rental_end"`
	BillingCycle  string   `json:"billing_cycle"`
	Rate          *float64 `json:"rate"`
	IsActive      *bool    `json:"is_active"`
	Notes         *string  `json:"notes"`
}

func (req *rentalRequest) toModel(w http.ResponseWriter) (*models.Rental, bool) {
	if req.VMID == "" {
		writeError(w, http.StatusBadRequest, "vm_id is required")
		return nil, false
	}
	start := time.Now().UTC()
	if req.RentalStart != "" {
		t, err := parseTimeParam(req.RentalStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rental_start")
			return nil, false
		}
		start = t
	}
	var end *time.Time
	if req.RentalEnd != nil && *req.RentalEnd != "" {
		t, err := parseTimeParam(*req.RentalEnd)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rental_end")
			return nil, false
		}
		end = &t
	}
	cycle := models.CycleMonthly
	if req.BillingCycle != "" {
		cycle = models.BillingCycle(req.BillingCycle)
		if !cycle.Valid() {
			writeError(w, http.StatusBadRequest, "invalid billing_cycle")
			return nil, false
		}
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &models.Rental{
		VMID:          req.VMID,
		Node:          req.Node,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		RentalStart:   start,
		RentalEnd:     end,
		BillingCycle:  cycle,
		Rate:          req.Rate,
		IsActive:      active,
		Notes:         req.Notes,
	}, true
}

func (rt *Router) handleRentals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		rentals, err := rt.store.ListRentals(r.Context(), store.RentalFilter{
			VMID:       query.Get("vm_id"),
			Node:       query.Get("node"),
			ActiveOnly: query.Get("active") == "true",
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rentals": rentals, "count": len(rentals)})

	case http.MethodPost:
		var req rentalRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rental, ok := req.toModel(w)
		if !ok {
			return
		}
		created, err := rt.store.CreateRental(r.Context(), rental)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRentalSubpath serves /api/rentals/{id}, its report endpoints, the
// per-VM active lookup, and the customer summary.
func (rt *Router) handleRentalSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/rentals/")

	switch {
	case rest == "customers/summary":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		summary, err := rt.usage.CustomerSummary(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)

	case strings.HasPrefix(rest, "vm/"):
		rt.handleActiveRentalForVM(w, r, rest)

	default:
		rt.handleRentalByID(w, r, rest)
	}
}

func (rt *Router) handleActiveRentalForVM(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "active" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	rental, err := rt.store.ActiveRentalForVM(r.Context(), parts[1])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rental)
}

func (rt *Router) handleRentalByID(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1:
		rt.handleRentalCRUD(w, r, id)

	case len(parts) == 2 && parts[1] == "report":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rental, err := rt.store.GetRental(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		window, ok := windowFromQuery(w, r)
		if !ok {
			return
		}
		var windowPtr *usage.Window
		if !window.Start.IsZero() || !window.End.IsZero() {
			windowPtr = &window
		}
		report, err := rt.usage.RentalReport(r.Context(), rental, windowPtr)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case len(parts) == 4 && parts[1] == "monthly":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		year, yerr := strconv.Atoi(parts[2])
		month, merr := strconv.Atoi(parts[3])
		if yerr != nil || merr != nil || month < 1 || month > 12 {
			writeError(w, http.StatusBadRequest, "invalid year or month")
			return
		}
		rental, err := rt.store.GetRental(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		report, err := rt.usage.MonthlyReport(r.Context(), rental, year, month)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) handleRentalCRUD(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		rental, err := rt.store.GetRental(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rental)

	case http.MethodPut:
		var req rentalRequest
		if !decodePut(w, r, &req) {
			return
		}
		rental, ok := req.toModel(w)
		if !ok {
			return
		}
		rental.ID = id
		updated, err := rt.store.UpdateRental(r.Context(), rental)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := rt.store.DeleteRental(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
