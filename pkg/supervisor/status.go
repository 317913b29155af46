package supervisor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/otelfleet/fleetlink/pkg/configstore"
	"github.com/otelfleet/fleetlink/pkg/engine"
	"github.com/otelfleet/fleetlink/pkg/logutil"
)

// statusResponse is the operator-facing snapshot served on the local status
// endpoint. Session fields come straight from the engine, process fields
// from the driver.
type statusResponse struct {
	engine.Status

	UptimeSeconds    int64  `json:"uptime_seconds"`
	CollectorRunning bool   `json:"collector_running"`
	CollectorStatus  string `json:"collector_status,omitempty"`
	CollectorError   string `json:"collector_error,omitempty"`
}

// ConfigureHTTP registers the local status surface. The router is expected
// to listen on loopback, nothing here is authenticated.
func (s *Supervisor) ConfigureHTTP(router *mux.Router) {
	router.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/v1/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/v1/effective-config", s.handleEffectiveConfig).Methods(http.MethodGet)
}

func (s *Supervisor) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:        s.eng.Status(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.driver != nil {
		ph := s.driver.Health()
		resp.CollectorRunning = ph.Running
		resp.CollectorStatus = ph.Status
		resp.CollectorError = ph.LastError
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logutil.FromContext(r.Context()).With("err", err).Error("failed to write status response")
	}
}

// handleEffectiveConfig renders the current revision as one merged YAML
// document, the way the collector sees it after file-order merging.
func (s *Supervisor) handleEffectiveConfig(w http.ResponseWriter, r *http.Request) {
	cm, err := s.store.ConfigMap()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	merged, err := configstore.MergeConfigMap(cm)
	if err != nil {
		logutil.FromContext(r.Context()).With("err", err).Warn("could not merge config revision")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.Write(merged)
}

// handleHealthz answers 200 while the session is live and 503 once it
// closed, so a process manager can restart a wedged agent.
func (s *Supervisor) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.eng.SessionState() == engine.StateClosed {
		http.Error(w, "session closed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
