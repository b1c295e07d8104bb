package run

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kookgo/kookgo/pkg/dispatch"
	"github.com/kookgo/kookgo/pkg/gateway"
	"github.com/kookgo/kookgo/pkg/metrics"
)

// status is what the admin endpoints need from a running bot.
type status interface {
	State() gateway.State
	SessionID() string
	LastSN() int64
	DispatchStats() dispatch.Stats
}

type healthResponse struct {
	State      string `json:"state"`
	SessionID  string `json:"session_id,omitempty"`
	LastSN     int64  `json:"last_sn"`
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`
}

// newAdminRouter serves /metrics, /healthz (alive until terminated) and
// /readyz (ready only while the session is active).
func newAdminRouter(st status, g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler(g))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if st.State() == gateway.StateTerminated {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, st)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if st.State() != gateway.StateActive {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, st)
	})
	return r
}

func writeHealth(w http.ResponseWriter, code int, st status) {
	stats := st.DispatchStats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{
		State:      st.State().String(),
		SessionID:  st.SessionID(),
		LastSN:     st.LastSN(),
		Dispatched: stats.Dispatched,
		Failed:     stats.Failed,
	})
}
