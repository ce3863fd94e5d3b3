// Package httpapi is the daemon's HTTP ingress: health probes, the two
// websocket entry points and the internal job-status hook. Metrics are served
// from a separate listener.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/conclave-rtc/conclave/internal/chat"
	"github.com/conclave-rtc/conclave/internal/health"
)

// DefaultHandshakeLimit is the per-IP websocket handshake budget per minute.
const DefaultHandshakeLimit = 30

// JobStatusNotifier fans a job status transition out to the job room.
type JobStatusNotifier interface {
	NotifyJobStatus(jobID, previous, next string, transactions json.RawMessage) chat.JobStatusUpdate
}

// Options wires the router. ChatWS/MediaWS are the hub Accept handlers; a nil
// Notifier disables the internal job-status hook.
type Options struct {
	Health   *health.Manager
	ChatWS   http.HandlerFunc
	MediaWS  http.HandlerFunc
	Notifier JobStatusNotifier

	// HandshakeLimit overrides DefaultHandshakeLimit (per IP, per minute).
	HandshakeLimit int

	// TracingService enables otelhttp spans under this operation name.
	TracingService string
}

// NewRouter builds the ingress router.
func NewRouter(opts Options) *chi.Mux {
	limit := opts.HandshakeLimit
	if limit <= 0 {
		limit = DefaultHandshakeLimit
	}

	r := chi.NewRouter()
	r.Use(recoverer)
	if opts.TracingService != "" {
		r.Use(otelhttp.NewMiddleware(opts.TracingService))
	}
	r.Use(requestLogger)

	if opts.Health != nil {
		r.Get("/healthz", opts.Health.ServeHealth)
		r.Get("/readyz", opts.Health.ServeReady)
	}

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(limit, time.Minute))
		if opts.ChatWS != nil {
			r.Get("/ws/chat", opts.ChatWS)
		}
		if opts.MediaWS != nil {
			r.Get("/ws/media", opts.MediaWS)
		}
	})

	if opts.Notifier != nil {
		r.Post("/internal/jobs/status", notifyHandler(opts.Notifier))
	}

	return r
}

// MetricsRouter serves the prometheus registry. Bound to its own listener so
// scrapes never compete with websocket traffic.
func MetricsRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

type jobStatusRequest struct {
	JobID          string          `json:"jobId"`
	PreviousStatus string          `json:"previousStatus"`
	NewStatus      string          `json:"newStatus"`
	Transactions   json.RawMessage `json:"transactions,omitempty"`
}

// notifyHandler is the hook the jobs service calls when it records a status
// transition. The fan-out happens on this node and, through the adapter, on
// every other one.
func notifyHandler(notifier JobStatusNotifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
		if req.JobID == "" || req.NewStatus == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "jobId and newStatus are required"})
			return
		}

		update := notifier.NotifyJobStatus(req.JobID, req.PreviousStatus, req.NewStatus, req.Transactions)
		writeJSON(w, http.StatusAccepted, map[string]string{"eventId": update.EventID})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
