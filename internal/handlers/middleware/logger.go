package middleware

import (
	"net/http"
	"time"
)

type logger interface {
	Info(msg string, args ...any)
}

type logData struct {
	responseStatus int
	responseSize   int

	// Extra access log fields set by handlers: user id, auth failure code and reason
	attrs []any
}

// Response writer collecting data for the access log
type logWriter struct {
	http.ResponseWriter
	data logData
}

func (w *logWriter) Write(p []byte) (int, error) {
	size, err := w.ResponseWriter.Write(p)
	w.data.responseSize += size
	return size, err
}

func (w *logWriter) WriteHeader(statusCode int) {
	w.ResponseWriter.WriteHeader(statusCode)
	w.data.responseStatus = statusCode
}

// Annotate adds fields to the access log line of the request.
// Passed down to the wrapped writer, so the outermost logger gets them too
func (w *logWriter) Annotate(args ...any) {
	w.data.attrs = append(w.data.attrs, args...)
	annotate(w.ResponseWriter, args...)
}

type annotator interface {
	Annotate(args ...any)
}

func annotate(w http.ResponseWriter, args ...any) {
	if a, ok := w.(annotator); ok {
		a.Annotate(args...)
	}
}

func LoggerMiddleware(l logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lw := &logWriter{
				ResponseWriter: w,
				data:           logData{responseStatus: http.StatusOK, responseSize: 0},
			}

			next.ServeHTTP(lw, r)

			args := []any{
				"method", r.Method,
				"uri", r.RequestURI,
				"duration", time.Since(start),
				"status", lw.data.responseStatus,
				"size", lw.data.responseSize,
			}
			l.Info("got HTTP request", append(args, lw.data.attrs...)...)
		})
	}
}
