package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader is the response header carrying the request's
// correlation id.
const CorrelationHeader = "X-Correlation-ID"

// responseRecorder captures the status written by the downstream handler and
// whether the connection was taken over by a websocket upgrade.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets media stream upgrades pass through. A hijacked connection is
// recorded as 101 Switching Protocols.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.upgraded = true
	return hj.Hijack()
}

// Unwrap returns the wrapped writer for [http.ResponseController].
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

type middleware struct {
	quiet map[string]bool
}

// WithQuietPaths logs requests to the given paths at debug level. Probes and
// scrapes would otherwise dominate the info log.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(m *middleware) {
		for _, p := range paths {
			m.quiet[p] = true
		}
	}
}

// Middleware traces, times and logs every request.
//
// W3C trace context on the request is continued; otherwise a new trace is
// started. The response carries [CorrelationHeader], which is the trace id
// when one is being recorded, the caller's own header, or a fresh uuid.
// Upgraded media streams are logged once, when the stream ends.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middleware{quiet: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid == "" {
				cid = r.Header.Get(CorrelationHeader)
			}
			if cid == "" {
				cid = uuid.NewString()
			}
			w.Header().Set(CorrelationHeader, cid)
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
					attribute.Int("status", rec.status),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			level, msg := slog.LevelInfo, "request completed"
			if cfg.quiet[r.URL.Path] {
				level = slog.LevelDebug
			}
			if rec.upgraded {
				msg = "stream closed"
			}
			slog.LogAttrs(ctx, level, msg,
				slog.String("correlation_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
