package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"matebot/internal/core"
	applog "matebot/internal/log"
	"matebot/internal/metrics"
	"matebot/internal/middleware/ratelimit"
	"matebot/internal/middleware/security"
	"matebot/internal/middleware/trace"
	"matebot/internal/services"
)

// Collective is the operation engine as seen by the REST transport.
type Collective interface {
	CreateCommunism(ctx context.Context, creatorID, amount int64, reason string) (services.Snapshot, error)
	CreateBallot(ctx context.Context, creatorID int64, question string, restricted bool, payout int64) (services.Snapshot, error)
	JoinOrLeave(ctx context.Context, id, userID int64) (services.Snapshot, error)
	SetQuantity(ctx context.Context, id, userID int64, quantity int) (services.Snapshot, error)
	AdjustExternals(ctx context.Context, id, actorID int64, delta int) (services.Snapshot, error)
	CastVote(ctx context.Context, id, userID int64, value int) (services.Snapshot, error)
	Finalize(ctx context.Context, id, actorID int64) (services.Snapshot, error)
	Cancel(ctx context.Context, id, actorID int64) (services.Snapshot, error)
	Get(ctx context.Context, id int64) (services.Snapshot, error)
	ListOpenFor(ctx context.Context, userID int64) ([]services.Snapshot, error)
}

// Users is the user registry as seen by the REST transport.
type Users interface {
	Resolve(ctx context.Context, application, externalID, name string) (core.User, error)
	CreateAlias(ctx context.Context, application, externalID string, userID int64) (core.Alias, error)
	Get(ctx context.Context, id int64) (core.User, error)
	SetActive(ctx context.Context, id int64, active bool) (core.User, error)
	SetPermission(ctx context.Context, id int64, permission bool) (core.User, error)
	SetVoucher(ctx context.Context, id int64, voucherID *int64) (core.User, error)
	Names(ctx context.Context, ids ...int64) core.Names
}

// History lists ledger transactions of a user.
type History interface {
	History(ctx context.Context, userID int64, limit int) ([]core.Transaction, error)
}

// Applications registers announcement callbacks and reports storage health.
type Applications interface {
	EnsureApplication(ctx context.Context, name string) (core.Application, error)
	AddCallback(ctx context.Context, cb core.Callback) (core.Callback, error)
	Ping(ctx context.Context) error
}

// Deps are the components the server routes to.
type Deps struct {
	Collective   Collective
	Users        Users
	Ledger       History
	Applications Applications
	Gatherer     prometheus.Gatherer
	Metrics      *metrics.Metrics
	Logger       *applog.Logger
}

// Options tune transport behaviour.
type Options struct {
	RateLimitPerMinute int
	RequestTimeout     time.Duration
}

type Server struct {
	http.Server
	deps    Deps
	logger  *applog.Logger
	limiter *ratelimit.Limiter
}

// NewServer builds the REST server listening on addr.
func NewServer(addr string, deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = applog.New(applog.DefaultConfig())
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	s := &Server{
		deps:    deps,
		logger:  deps.Logger.WithComponent(applog.ComponentHTTP),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: opts.RateLimitPerMinute,
			OnReject:          func(string) { deps.Metrics.IncRateLimited() },
		}),
	}
	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      opts.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes(opts Options) http.Handler {
	clientIP := security.NewClientIP()
	tracer := trace.NewMiddleware(clientIP.Extract, s.logger, trace.WithObserver(s.deps.Metrics))

	r := chi.NewRouter()
	r.Use(tracer.Middleware)
	r.Use(s.recoverer)
	r.Use(security.Headers(security.DefaultHeadersConfig()))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware(clientIP.Extract, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "rate limit exceeded"})
		}))
		r.Use(withTimeout(opts.RequestTimeout))

		r.Post("/users/resolve", s.handleResolveUser)

		r.Group(func(r chi.Router) {
			r.Use(s.requireActor)

			r.Get("/users/{id}", s.handleGetUser)
			r.Get("/users/{id}/transactions", s.handleUserTransactions)
			r.Put("/users/{id}/flags", s.handleSetFlags)
			r.Post("/users/{id}/aliases", s.handleCreateAlias)
			r.Post("/applications/{name}/callbacks", s.handleAddCallback)

			r.Post("/communisms", s.handleCreateCommunism)
			r.Post("/communisms/{id}/membership", s.handleMembership)
			r.Put("/communisms/{id}/quantity", s.handleQuantity)
			r.Post("/communisms/{id}/externals", s.handleExternals)

			r.Post("/ballots", s.handleCreateBallot)
			r.Post("/ballots/{id}/votes", s.handleVote)

			r.Get("/operations", s.handleListOperations)
			r.Get("/operations/{id}", s.handleGetOperation)
			r.Post("/operations/{id}/finalize", s.handleFinalize)
			r.Post("/operations/{id}/cancel", s.handleCancel)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no such route"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: r.Method + " not allowed"})
	})
	return r
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				applog.FromContext(r.Context()).ErrorContext(r.Context(), "Handler panic",
					"panic", rec,
					applog.FieldPath, r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Applications.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "Readiness check failed", applog.FieldError, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Shutdown stops accepting requests and releases the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.Server.Shutdown(ctx)
}
