package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/atinyakov/GophBroker/internal/db"
	"github.com/atinyakov/GophBroker/internal/models"
)

func TestBusinessCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RequestSubmitted()
	m.RequestDecided(models.StatusApproved)
	m.RequestDecided(models.StatusApproved)
	m.GateDecision("access_expired")
	m.PollReturned(false)
	m.ObserveLedger(db.LedgerStats{Pending: 3, ActiveGrants: 5})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsSubmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsDecided.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues("access_expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollsReturned.WithLabelValues("timeout")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingRequests))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ActiveGrants))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/secrets/secret/{path}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/secrets/secret/db-prod", nil))

	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPDuration))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
