package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	created := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "201"))
	conflict := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "409"))

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/batches", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Patch("/batches/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/batches", nil),
		httptest.NewRequest(http.MethodPatch, "/batches/b-1", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.InDelta(t, created+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "201")), 0)
	require.InDelta(t, conflict+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "409")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	Init()
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")), 0)
}
