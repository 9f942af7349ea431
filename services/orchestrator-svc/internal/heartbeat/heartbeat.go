// Package heartbeat handles the worker -> control plane heartbeat endpoint
// (§6.3): the periodic POST every worker-eligible instance sends reporting
// its served model, queue depth, and GPU utilization, which the Worker
// Routing Index later reads back out through internal/routing.
package heartbeat

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/pkg/logger"
)

// Request is the worker heartbeat payload.
type Request struct {
	Status         string         `json:"status"`
	ServedModelID  string         `json:"served_model_id,omitempty"`
	QueueDepth     *int           `json:"queue_depth,omitempty"`
	GPUUtilization *float64       `json:"gpu_utilization,omitempty"`
	HealthPort     *int           `json:"health_port,omitempty"`
	EnginePort     *int           `json:"engine_port,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Handler persists worker heartbeats via store.Repository.UpdateWorkerRuntime.
// It is mounted behind internal/operatorauth so only instances holding the
// shared operator token can report runtime state.
type Handler struct {
	repo *store.Repository
}

// New builds a Handler.
func New(repo *store.Repository) *Handler {
	return &Handler{repo: repo}
}

// ServeHTTP handles POST /v1/instances/{id}/heartbeat.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	instanceID := r.PathValue("id")
	if instanceID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rt := store.WorkerRuntime{
		Heartbeat:      time.Now(),
		QueueDepth:     req.QueueDepth,
		GPUUtilization: req.GPUUtilization,
		HealthPort:     req.HealthPort,
		EnginePort:     req.EnginePort,
		Metadata:       req.Metadata,
	}
	if req.Status != "" {
		rt.Status = &req.Status
	}
	if req.ServedModelID != "" {
		rt.ServedModelID = &req.ServedModelID
	}

	if err := h.repo.UpdateWorkerRuntime(r.Context(), instanceID, rt); err != nil {
		logger.Error("heartbeat: persist worker runtime failed", "instance_id", instanceID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
