package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func decodePut(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Hostname string `json:"hostname"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	nodeID, err := rt.ingest.RegisterNode(r.Context(), req.Name, req.Hostname)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"node_id": nodeID,
	})
}

func (rt *Router) handleVMStart(w http.ResponseWriter, r *http.Request) {
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
	startTime, err := parseTimeParam(req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_time")
		return
	}

	sess, warnings, err := rt.ingest.VMStart(r.Context(), req.Node, req.VMID, req.VMName, models.ParseVMKind(req.VMType), startTime)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	reply := map[string]any{
		"success":    true,
		"session_id": sess.ID,
	}
	if len(warnings) > 0 {
		reply["warnings"] = warnings
	}
	writeJSON(w, http.StatusOK, reply)
}

func (rt *Router) handleVMStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node     string `json:"node"`
		VMID     string `json:"vm_id"`
		StopTime string `json:"stop_time"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Node == "" || req.VMID == "" {
		writeError(w, http.StatusBadRequest, "node and vm_id are required")
		return
	}
	stopTime, err := parseTimeParam(req.StopTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stop_time")
		return
	}

	sess, warnings, err := rt.ingest.VMStop(r.Context(), req.Node, req.VMID, stopTime)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	reply := map[string]any{"success": true}
	if sess != nil {
		reply["session_id"] = sess.ID
		if sess.DurationSeconds != nil {
			reply["duration_seconds"] = *sess.DurationSeconds
		}
	}
	if len(warnings) > 0 {
		reply["warnings"] = warnings
	}
	writeJSON(w, http.StatusOK, reply)
}

func (rt *Router) handleVMStates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node      string           `json:"node"`
		Timestamp string           `json:"timestamp"`
		VMs       []models.VMState `json:"vms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Node == "" {
		writeError(w, http.StatusBadRequest, "node is required")
		return
	}
	snapshotTS := time.Now().UTC()
	if req.Timestamp != "" {
		ts, err := parseTimeParam(req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp")
			return
		}
		snapshotTS = ts
	}

	result, err := rt.ingest.VMStates(r.Context(), req.Node, snapshotTS, req.VMs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"vms_processed":    result.VMsProcessed,
		"sessions_started": result.SessionsStarted,
		"sessions_stopped": result.SessionsStopped,
	})
}

func (rt *Router) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node      string `json:"node"`
		Timestamp string `json:"timestamp"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Node == "" {
		writeError(w, http.StatusBadRequest, "node is required")
		return
	}

	forceSync, err := rt.ingest.Heartbeat(r.Context(), req.Node)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"server_time": time.Now().UTC().Format(time.RFC3339),
		"force_sync":  forceSync,
	})
}

func (rt *Router) handleForceSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetNode string `json:"target_node"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	notified, err := rt.ingest.RequestForceSync(r.Context(), req.TargetNode)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"nodes_notified": notified,
	})
}
