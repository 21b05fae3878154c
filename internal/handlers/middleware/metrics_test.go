package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type observed struct {
	method string
	path   string
	status int
}

type observerFunc func(method string, path string, status int, duration time.Duration)

func (f observerFunc) ObserveHTTPRequest(method string, path string, status int, duration time.Duration) {
	f(method, path, status, duration)
}

func TestMetricsMiddleware(t *testing.T) {
	var got []observed
	observer := observerFunc(func(method string, path string, status int, _ time.Duration) {
		got = append(got, observed{method, path, status})
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("GET /api/user/me", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})
	h := MetricsMiddleware(observer)(mux)

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil),
		httptest.NewRequest(http.MethodGet, "/api/user/me", nil),
		httptest.NewRequest(http.MethodGet, "/wp-admin/setup.php", nil),
	} {
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	require.Equal(t, []observed{
		{http.MethodPost, "/api/auth/refresh", http.StatusUnauthorized},
		{http.MethodGet, "/api/user/me", http.StatusOK},
		{http.MethodGet, "unmatched", http.StatusNotFound},
	}, got)
}
