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

// activeNodeWindow is how recently a node must have been seen to count as
// active in the health reply.
const activeNodeWindow = 5 * time.Minute

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dbStatus := "connected"
	activeNodes := 0
	if err := rt.store.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
	} else if n, err := rt.store.CountActiveNodes(r.Context(), time.Now().Add(-activeNodeWindow)); err == nil {
		activeNodes = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"database":     dbStatus,
		"active_nodes": activeNodes,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (rt *Router) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodes, err := rt.store.ListNodes(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func (rt *Router) handleNodeByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		node, err := rt.store.GetNode(r.Context(), name)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, node)
	case http.MethodDelete:
		if err := rt.store.DeleteNode(r.Context(), name); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Router) handleVMs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	node := r.URL.Query().Get("node")
	vms, err := rt.store.ListTrackedVMs(r.Context(), node)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	usages, err := rt.usage.AllVMsUsage(r.Context(), node, usage.Window{})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	totals := make(map[string]*usage.VMUsage, len(usages))
	for _, u := range usages {
		totals[u.Node+"/"+u.VMID] = u
	}

	type vmRow struct {
		Node          string `json:"node"`
		VMID          string `json:"vm_id"`
		Name          string `json:"name,omitempty"`
		Kind          string `json:"kind"`
		CurrentStatus string `json:"current_status"`
		LastSeen      string `json:"last_seen"`
		TotalSeconds  int64  `json:"total_seconds"`
		TotalHours    float64 `json:"total_hours"`
	}
	rows := make([]vmRow, 0, len(vms))
	for _, vm := range vms {
		row := vmRow{
			Node:          vm.Node,
			VMID:          vm.VMID,
			Name:          vm.Name,
			Kind:          string(vm.Kind),
			CurrentStatus: string(vm.CurrentStatus),
			LastSeen:      vm.LastSeen.Format(time.RFC3339),
		}
		if u, ok := totals[vm.Node+"/"+vm.VMID]; ok {
			row.TotalSeconds = u.TotalSeconds
			row.TotalHours = u.TotalHours
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"vms": rows, "count": len(rows)})
}

// handleVMSubpath serves /api/vms/{id}/usage and /api/vms/{id}/daily.
func (rt *Router) handleVMSubpath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/vms/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	vmID := parts[0]

	window, ok := windowFromQuery(w, r)
	if !ok {
		return
	}
	node := r.URL.Query().Get("node")

	switch parts[1] {
	case "usage":
		u, err := rt.usage.VMUsage(r.Context(), vmID, node, window)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	case "daily":
		dense := r.URL.Query().Get("dense") == "true"
		daily, err := rt.usage.DailyBreakdown(r.Context(), vmID, node, window, dense)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"vm_id": vmID, "daily": daily})
	default:
		http.NotFound(w, r)
	}
}

func windowFromQuery(w http.ResponseWriter, r *http.Request) (usage.Window, bool) {
	var window usage.Window
	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start")
			return window, false
		}
		window.Start = t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end")
			return window, false
		}
		window.End = t
	}
	return window, true
}

func (rt *Router) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	filter := store.SessionFilter{
		VMID: query.Get("vm_id"),
		Node: query.Get("node"),
	}
	if raw := query.Get("running"); raw != "" {
		running := raw == "true"
		filter.Running = &running
	}
	if raw := query.Get("start"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start")
			return
		}
		filter.Start = &t
	}
	if raw := query.Get("end"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end")
			return
		}
		filter.End = &t
	}
	if raw := query.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Offset = n
		}
	}

	sessions, err := rt.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

// handleSessionSubpath serves /api/sessions/running, /api/sessions/{id},
// and the manual operator endpoints.
func (rt *Router) handleSessionSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")

	switch {
	case rest == "running":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		running := true
		sessions, err := rt.store.ListSessions(r.Context(), store.SessionFilter{Running: &running, Limit: 1000})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})

	case rest == "manual/start":
		rt.handleManualStart(w, r)

	case strings.HasPrefix(rest, "manual/stop/"):
		rt.handleManualStop(w, r, strings.TrimPrefix(rest, "manual/stop/"))

	default:
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		sess, err := rt.store.GetSession(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

// handleManualStart lets an operator open a session by hand. It goes
// through the reconciler so the one-open-session rule still holds.
func (rt *Router) handleManualStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node      string `json:"node"`
		VMID      string `json:"vm_id"`
		VMName    string `json:"vm_name"`
		VMType    string `json:"vm_type"`
		StartTime string `json:"start_time"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Node == "" || req.VMID == "" {
		writeError(w, http.StatusBadRequest, "node and vm_id are required")
		return
	}
	startTime := time.Now().UTC()
	if req.StartTime != "" {
		t, err := parseTimeParam(req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_time")
			return
		}
		startTime = t
	}

	sess, warnings, err := rt.ingest.VMStart(r.Context(), req.Node, req.VMID, req.VMName, models.ParseVMKind(req.VMType), startTime)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	reply := map[string]any{"success": true, "session": sess}
	if len(warnings) > 0 {
		reply["warnings"] = warnings
	}
	writeJSON(w, http.StatusOK, reply)
}

func (rt *Router) handleManualStop(w http.ResponseWriter, r *http.Request, rawID string) {
	var req struct {
		StopTime string `json:"stop_time"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	sess, err := rt.store.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !sess.IsRunning {
		writeError(w, http.StatusConflict, "session is already closed")
		return
	}
	stopTime := time.Now().UTC()
	if req.StopTime != "" {
		t, err := parseTimeParam(req.StopTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid stop_time")
			return
		}
		stopTime = t
	}

	closed, warnings, err := rt.ingest.VMStop(r.Context(), sess.Node, sess.VMID, stopTime)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	reply := map[string]any{"success": true, "session": closed}
	if len(warnings) > 0 {
		reply["warnings"] = warnings
	}
	writeJSON(w, http.StatusOK, reply)
}
