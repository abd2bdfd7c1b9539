package metrics

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestCount(method, code string) float64 {
	return testutil.ToFloat64(httpRequestsTotal.WithLabelValues(method, code))
}

func latencySamples(t *testing.T, method, route string) uint64 {
	t.Helper()
	metric, ok := httpRequestDurationSeconds.WithLabelValues(method, route).(prometheus.Metric)
	require.True(t, ok)
	var out dto.Metric
	require.NoError(t, metric.Write(&out))
	return out.GetHistogram().GetSampleCount()
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/feeds/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Delete("/feeds/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	tests := []struct {
		name   string
		method string
		path   string
		code   string
	}{
		{name: "implicit ok", method: http.MethodGet, path: "/feeds/42", code: "200"},
		{name: "explicit status", method: http.MethodDelete, path: "/feeds/7", code: "409"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			beforeCount := requestCount(tt.method, tt.code)
			beforeLatency := latencySamples(t, tt.method, "/feeds/{id}")

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.code, strconv.Itoa(rec.Code))
			assert.InDelta(t, beforeCount+1, requestCount(tt.method, tt.code), 1e-9)
			assert.Equal(t, beforeLatency+1, latencySamples(t, tt.method, "/feeds/{id}"))
		})
	}
}

func TestMiddlewareWithoutRouterUsesUnknownRoute(t *testing.T) {
	Init()
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	beforeCount := requestCount(http.MethodPost, "202")
	beforeLatency := latencySamples(t, http.MethodPost, unknownRoute)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/raw/path", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.InDelta(t, beforeCount+1, requestCount(http.MethodPost, "202"), 1e-9)
	assert.Equal(t, beforeLatency+1, latencySamples(t, http.MethodPost, unknownRoute))
	assert.Zero(t, latencySamples(t, http.MethodPost, "/raw/path"))
}
