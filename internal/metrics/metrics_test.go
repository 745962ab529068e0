package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestRecordEvent(t *testing.T) {
	before := value(t, EventsReceived.WithLabelValues("invoice.paid", OutcomeProcessed))
	RecordEvent("invoice.paid", OutcomeProcessed, 10*time.Millisecond)
	after := value(t, EventsReceived.WithLabelValues("invoice.paid", OutcomeProcessed))

	assert.Equal(t, before+1, after)
}

func TestRecordDependency(t *testing.T) {
	RecordDependency("postgres", true)
	assert.Equal(t, 1.0, value(t, DependencyUp.WithLabelValues("postgres")))

	RecordDependency("postgres", false)
	assert.Equal(t, 0.0, value(t, DependencyUp.WithLabelValues("postgres")))
}

func TestServer_Health(t *testing.T) {
	healthy := NewServer(":0", zap.NewNop(), func(ctx context.Context) error { return nil })
	rec := httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	unhealthy := NewServer(":0", zap.NewNop(), func(ctx context.Context) error { return errors.New("db down") })
	rec = httptest.NewRecorder()
	unhealthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	RecordHTTPRequest(http.MethodPost, "200", time.Millisecond)

	srv := NewServer(":0", zap.NewNop(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "webhook_http_requests_total"))
}
