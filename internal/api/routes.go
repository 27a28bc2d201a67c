package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config wires the operational endpoints to the running services
type Config struct {
	Service  string
	Gatherer prometheus.Gatherer

	// Status returns the JSON body of /api/v1/status. Nil disables the route.
	Status func() any

	// Ready reports whether the broker connection is up. Nil means always ready.
	Ready func() bool
}

// NewRouter configures the health, metrics and status routes
func NewRouter(cfg Config) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", healthHandler(cfg)).Methods("GET")

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	if cfg.Status != nil {
		api.HandleFunc("/status", statusHandler(cfg.Status)).Methods("GET")
	}
	return r
}

// healthHandler returns 503 while the broker is unreachable
func healthHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if cfg.Ready != nil && !cfg.Ready() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{
			"status":  status,
			"service": cfg.Service,
		})
	}
}

func statusHandler(status func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
