package trace

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	applog "matebot/internal/log"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

const tracerName = "matebot/http"

type contextKey struct{}

// Observer receives one call per finished request. route is the matched
// chi pattern, or "unmatched".
type Observer interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

// Middleware assigns request ids, opens a server span, attaches a
// request-scoped logger and logs request completion.
type Middleware struct {
	extractIP func(*http.Request) string
	logger    *applog.Logger
	tracer    oteltrace.Tracer
	observer  Observer
}

type Option func(*Middleware)

// WithObserver reports request durations to o.
func WithObserver(o Observer) Option {
	return func(m *Middleware) { m.observer = o }
}

func WithTracer(t oteltrace.Tracer) Option {
	return func(m *Middleware) { m.tracer = t }
}

func NewMiddleware(extractIP func(*http.Request) string, logger *applog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		extractIP: extractIP,
		logger:    logger.WithComponent(applog.ComponentTrace),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var clientIP string
		if m.extractIP != nil {
			clientIP = m.extractIP(r)
		}

		requestID := incomingRequestID(r)
		if requestID == "" {
			requestID = GenerateRequestID()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx, span := m.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			oteltrace.WithSpanKind(oteltrace.SpanKindServer),
			oteltrace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("request.id", requestID),
			))
		defer span.End()

		ctx = context.WithValue(ctx, contextKey{}, requestID)
		ctx = applog.IntoContext(ctx, m.logger.With(applog.FieldRequestID, requestID))
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", sw.status),
		)
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, strconv.Itoa(sw.status))
		}
		if m.observer != nil {
			m.observer.ObserveHTTP(r.Method, route, sw.status, elapsed)
		}

		applog.NewStructuredLogger(applog.FromContext(ctx)).
			LogHTTPEnd(ctx, r, sw.status, elapsed.Milliseconds(), clientIP)
	})
}

// routePattern keeps label cardinality bounded: ids never reach the
// metric labels, only the chi pattern does.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// incomingRequestID accepts a caller supplied id when it is a sane token.
func incomingRequestID(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, c := range id {
		if !(c == '-' || c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return ""
		}
	}
	return id
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// GetRequestID returns the id assigned by the middleware, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}
