package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/armon/go-metrics"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
)

// RequestIDHeader carries the request id in requests and responses.
const RequestIDHeader = "X-Request-ID"

type loggerKey struct{}

// RequestLogger returns the logger of the request.
func RequestLogger(r *http.Request) logging.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(logging.Logger); ok {
		return l
	}
	return logging.NewNop()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestIDMiddleware assigns every request an id, taken from the request
// header when the client sent one, and a logger carrying it.
func RequestIDMiddleware(logger logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = logging.GenerateRequestID()
			}
			w.Header().Set(RequestIDHeader, id)
			ctx := context.WithValue(r.Context(), loggerKey{}, logger.WithRequestID(id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			l := RequestLogger(r)
			msg := "api request"
			if wrapped.statusCode >= http.StatusInternalServerError {
				l.Warn(msg, "method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode,
					"duration", time.Since(start).String(), "remoteAddr", r.RemoteAddr)
				return
			}
			l.Debug(msg, "method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode,
				"duration", time.Since(start).String(), "remoteAddr", r.RemoteAddr)
		})
	}
}

// MetricsMiddleware counts requests and measures their latency.
func MetricsMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			labels := []metrics.Label{
				{Name: "method", Value: r.Method},
				{Name: "status", Value: strconv.Itoa(wrapped.statusCode)},
			}
			metrics.IncrCounterWithLabels([]string{"api", "requests"}, 1, labels)
			metrics.MeasureSinceWithLabels([]string{"api", "latency"}, start, labels)
		})
	}
}

// RecoveryMiddleware turns panics into 500 responses.
func RecoveryMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					RequestLogger(r).Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
