package app

import (
	"context"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"flowdeck-auth/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// contextKey is a custom type to use as a key for context values.
type contextKey string

// requestIDKey is the key for storing the request ID in the request context.
const requestIDKey = contextKey("requestID")

const requestIDHeader = "X-Request-ID"

// sensitiveParams are masked before a query string is logged.
var sensitiveParams = []string{"code", "state", "id_token"}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestID tags each request with an id, reusing the caller's one if
// it sent a valid UUID.
func (a *Application) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// requestIDFromContext retrieves the request ID from the request's context.
func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (a *Application) requestLogger(r *http.Request) *logrus.Entry {
	return a.Logger.WithField("request_id", requestIDFromContext(r.Context()))
}

// recoverPanics turns a handler panic into a 500.
func (a *Application) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				a.requestLogger(r).WithFields(logrus.Fields{
					"panic": p,
					"stack": string(debug.Stack()),
				}).Error("handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument logs and counts requests for a registered route.
func (a *Application) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		a.requestLogger(r).WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"query":    maskQuery(r.URL.RawQuery),
			"status":   rec.status,
			"duration": time.Since(start).Truncate(time.Millisecond).String(),
		}).Debug("request served")
	})
}

func maskQuery(raw string) string {
	if raw == "" {
		return ""
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return "<unparseable>"
	}
	for _, key := range sensitiveParams {
		if q.Has(key) {
			q.Set(key, "***")
		}
	}
	return q.Encode()
}
