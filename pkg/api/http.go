package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"relayd/pkg/config"
	"relayd/pkg/relay"
	"relayd/pkg/sensor"
	"relayd/pkg/utils"
)

// Handler returns the client-facing HTTP surface:
//   - GET /healthz    liveness
//   - GET /readyz     readiness (store open)
//   - GET /v1/stats   relay stats (sessions, last sequence, backplane state)
//   - GET /v1/relay   WebSocket upgrade for the relay protocol
func Handler(core *relay.Core, cfg *config.Config) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readyzHandler(core)).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", statsHandler(core)).Methods(http.MethodGet)
	r.HandleFunc("/v1/relay", relayHandler(core, cfg))
	return r
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readyzHandler(core *relay.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !core.Healthy() {
			utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func statsHandler(core *relay.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, statsResponse{
			Stats: core.Stats(),
			Load:  sensor.Current(),
		})
	}
}

type statsResponse struct {
	relay.Stats
	Load sensor.Snapshot `json:"load"`
}
