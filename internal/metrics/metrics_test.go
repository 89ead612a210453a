package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
)

func TestObserveTransition_LabelsOutcomeByCode(t *testing.T) {
	m := New()

	m.ObserveTransition("approve", nil, 20*time.Millisecond)
	m.ObserveTransition("approve", errors.StaleState("moved on"), time.Millisecond)
	m.ObserveTransition("approve", errors.StaleState("moved on"), time.Millisecond)
	m.ObserveTransition("submit", errors.Forbidden("not yours"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("approve", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("approve", "STALE_STATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("submit", "FORBIDDEN")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.transitionDuration))
}

func TestObserveDispatch(t *testing.T) {
	m := New()

	m.ObserveDispatch("reconciliation_submitted", nil)
	m.ObserveDispatch("reconciliation_submitted", assert.AnError)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("reconciliation_submitted", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("reconciliation_submitted", "error")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodPost, "/api/v1/reconciliations/submit", http.StatusOK, 5*time.Millisecond)
	m.UpdatePool(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `bank_reconciliation_http_requests_total{method="POST",route="/api/v1/reconciliations/submit",status="200"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
