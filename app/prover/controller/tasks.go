package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/intmax-network/validity-prover/pkg/coordinator"
)

// HeartbeatRequest refreshes a worker's lease on a task.
type HeartbeatRequest struct {
	BlockNumber uint32 `json:"blockNumber"`
}

// SubmitRequest uploads a completed transition proof.
type SubmitRequest struct {
	BlockNumber     uint32 `json:"blockNumber"`
	TransitionProof []byte `json:"transitionProof"`
}

// HandleAssign leases the lowest NEW task to the calling worker. An empty
// task field means nothing is queued; the worker backs off and retries.
func (c *Controller) HandleAssign(w http.ResponseWriter, r *http.Request) {
	task, err := c.App.Coordinator.Assign(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "assign failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]*coordinator.AssignedTask{"task": task})
}

// HandleHeartbeat refreshes a lease; an expired lease gets a 409 so the
// worker abandons the task.
func (c *Controller) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := c.App.Coordinator.Heartbeat(r.Context(), req.BlockNumber)
	if errors.Is(err, coordinator.ErrLeaseExpired) {
		writeError(w, http.StatusConflict, "lease expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSubmit stores a completed proof; a submission without a live lease is
// rejected without touching stored state.
func (c *Controller) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := c.App.Coordinator.Submit(r.Context(), req.BlockNumber, req.TransitionProof)
	if errors.Is(err, coordinator.ErrLeaseExpired) {
		writeError(w, http.StatusConflict, "lease expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
