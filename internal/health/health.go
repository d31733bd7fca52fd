// Package health provides the liveness and readiness probes for the
// detector daemon.
//
// The daemon has exactly one dependency that can be "not ready": the
// detection pipeline itself. /readyz therefore reflects the pipeline
// lifecycle directly — 200 only while the pipeline is Running, 503 with
// the current state otherwise — so an orchestrator keeps the audio source
// away while models are still loading and stops routing the moment a
// shutdown begins (from Stopping onwards, Feed silently drops samples).
// /healthz reports process liveness and uptime.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wakeward/wakeward/internal/pipeline"
)

// StateFunc reports the pipeline's current lifecycle state. Pass
// [pipeline.Pipeline.State].
type StateFunc func() pipeline.State

// Handler serves /healthz and /readyz. Safe for concurrent use.
type Handler struct {
	state   StateFunc
	started time.Time
}

// New creates a Handler probing the given pipeline.
func New(state StateFunc) *Handler {
	return &Handler{state: state, started: time.Now()}
}

// liveBody is the JSON response of /healthz.
type liveBody struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// readyBody is the JSON response of /readyz.
type readyBody struct {
	Status   string `json:"status"`
	Pipeline string `json:"pipeline"`
}

// Healthz is the liveness probe: a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveBody{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz is the readiness probe. The body names the pipeline state so a
// probe failure distinguishes "still initialising" from "shutting down".
func (h *Handler) Readyz(w http.ResponseWriter, _ *http.Request) {
	state := h.state()
	body := readyBody{Status: "ok", Pipeline: state.String()}
	status := http.StatusOK
	if state != pipeline.StateRunning {
		body.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
