// Package middleware holds the request middlewares of the admin API.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/tracing"
)

// TraceIDHeader carries the trace id in both directions.
const TraceIDHeader = "X-Trace-ID"

type contextKey struct{}

type requestInfo struct {
	traceID string
	start   time.Time
}

// Trace stamps each request with a trace id and its start time. A trace id
// sent by the caller is kept; otherwise a new UUID is generated.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(TraceIDHeader, id)
		ctx := context.WithValue(r.Context(), contextKey{}, requestInfo{traceID: id, start: time.Now()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceID returns the id set by Trace, or "".
func TraceID(ctx context.Context) string {
	info, _ := ctx.Value(contextKey{}).(requestInfo)
	return info.traceID
}

// Took returns the milliseconds elapsed since Trace saw the request.
func Took(ctx context.Context) int64 {
	info, ok := ctx.Value(contextKey{}).(requestInfo)
	if !ok {
		return 0
	}
	return time.Since(info.start).Milliseconds()
}

// RequestLog writes one entry per request. Server errors log at Warn.
func RequestLog(logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", routePattern(r)),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("trace_id", TraceID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("admin request failed", fields...)
				return
			}
			logger.Debug("admin request", fields...)
		})
	}
}

// Span wraps each request in a span named after its route. A nil tracer
// uses the global provider.
func Span(tracer trace.Tracer) func(http.Handler) http.Handler {
	tracer = tracing.OrGlobal(tracer)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.Start(r.Context(), tracer, "admin.request",
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path))
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			span.SetAttributes(
				attribute.String("http.route", routePattern(r)),
				attribute.Int("http.status_code", ww.Status()))
			tracing.End(span, nil)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
