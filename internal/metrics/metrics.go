// Package metrics exposes the broker's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/atinyakov/GophBroker/internal/db"
	"github.com/atinyakov/GophBroker/internal/models"
)

// Metrics provides observability for the request ledger, the authorization
// gate and the HTTP API.
type Metrics struct {
	RequestsSubmitted prometheus.Counter
	RequestsDecided   *prometheus.CounterVec
	GrantsIssued      prometheus.Counter
	GateDecisions     *prometheus.CounterVec
	PollsReturned     *prometheus.CounterVec
	PendingRequests   prometheus.Gauge
	ActiveGrants      prometheus.Gauge
	HTTPDuration      *prometheus.HistogramVec
}

// New creates a Metrics instance with every collector registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "gophbroker_access_requests_submitted_total",
			Help: "Total number of access requests submitted",
		}),
		RequestsDecided: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophbroker_access_requests_decided_total",
			Help: "Total number of access request decisions by outcome",
		}, []string{"status"}),
		GrantsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "gophbroker_access_grants_issued_total",
			Help: "Total number of access grants issued",
		}),
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophbroker_gate_decisions_total",
			Help: "Secret reads by authorization outcome",
		}, []string{"outcome"}),
		PollsReturned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophbroker_long_polls_total",
			Help: "Completed long-poll calls by result",
		}, []string{"result"}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "gophbroker_pending_requests",
			Help: "Access requests awaiting a decision",
		}),
		ActiveGrants: f.NewGauge(prometheus.GaugeOpts{
			Name: "gophbroker_active_grants",
			Help: "Access grants that have not expired",
		}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gophbroker_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route", "status"}),
	}
}

// RequestSubmitted records a new access request.
func (m *Metrics) RequestSubmitted() { m.RequestsSubmitted.Inc() }

// RequestDecided records an admin decision.
func (m *Metrics) RequestDecided(status models.AccessStatus) {
	m.RequestsDecided.WithLabelValues(string(status)).Inc()
}

// GrantIssued records a new grant.
func (m *Metrics) GrantIssued() { m.GrantsIssued.Inc() }

// GateDecision records the outcome of a secret read.
func (m *Metrics) GateDecision(outcome string) {
	m.GateDecisions.WithLabelValues(outcome).Inc()
}

// PollReturned records a finished long poll.
func (m *Metrics) PollReturned(hasChanges bool) {
	result := "timeout"
	if hasChanges {
		result = "changed"
	}
	m.PollsReturned.WithLabelValues(result).Inc()
}

// ObserveLedger updates the ledger gauges from a stats sample.
func (m *Metrics) ObserveLedger(s db.LedgerStats) {
	m.PendingRequests.Set(float64(s.Pending))
	m.ActiveGrants.Set(float64(s.ActiveGrants))
}

// Middleware records the duration of every request under its route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
