package middleware

import (
	"net/http"
	"time"
)

type metricsObserver interface {
	ObserveHTTPRequest(method string, path string, status int, duration time.Duration)
}

// Requests that matched no route share one path label
const unmatchedPath = "unmatched"

func MetricsMiddleware(m metricsObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lw := &logWriter{
				ResponseWriter: w,
				data:           logData{responseStatus: http.StatusOK},
			}

			next.ServeHTTP(lw, r)

			path := r.URL.Path
			if lw.data.responseStatus == http.StatusNotFound {
				path = unmatchedPath
			}
			m.ObserveHTTPRequest(r.Method, path, lw.data.responseStatus, time.Since(start))
		})
	}
}
