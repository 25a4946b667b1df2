// Package api is the ops/admin HTTP surface: health and metrics endpoints,
// read access to plan templates and per-home pipeline output, the review
// queue, manual pipeline triggers, and email delivery settings. It serves
// operators, not end users; there is no auth layer here.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pickwatt/pickwatt/internal/metrics"
	"github.com/pickwatt/pickwatt/internal/notification"
	"github.com/pickwatt/pickwatt/internal/pipeline"
	"github.com/pickwatt/pickwatt/internal/review"
	"github.com/pickwatt/pickwatt/internal/storage"
)

// Deps wires the mux. Store and Runner are required; Queue defaults to a
// queue over Store, Notifier nil disables the email settings routes.
type Deps struct {
	Store    storage.Storage
	Runner   *pipeline.Runner
	Queue    *review.Queue
	Notifier *notification.Service
}

// NewMux constructs the HTTP mux: health, metrics, and the admin API.
func NewMux(d Deps) *http.ServeMux {
	if d.Queue == nil {
		d.Queue = review.NewQueue(d.Store)
	}

	mux := http.NewServeMux()

	// Metrics endpoint.
	mux.Handle("/metrics", promhttp.Handler())

	// Health / readiness / liveness.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.Ping(r.Context()); err != nil {
			log.Printf("api: readyz db ping failed: %v", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("live"))
	})

	registerHomeRoutes(mux, d)
	registerPlanRoutes(mux, d)
	registerReviewRoutes(mux, d)
	registerNotificationRoutes(mux, d)

	return mux
}

// instrument wraps a handler with the per-path request counter and duration
// histogram. path is the metric label, not the literal URL.
func instrument(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.RequestsTotal.WithLabelValues(path).Inc()
		defer func() {
			metrics.RequestDurationSeconds.WithLabelValues(path).Observe(time.Since(start).Seconds())
		}()
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response failed: %v", err)
	}
}

// writeError counts the error response against the path label and replies
// with a plain-text message, matching http.Error.
func writeError(w http.ResponseWriter, path string, status int, msg string) {
	metrics.RequestErrorsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
	http.Error(w, msg, status)
}
