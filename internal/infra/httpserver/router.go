package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	appcredits "github.com/bryanwahyu/osintscan/internal/application/credits"
	appscans "github.com/bryanwahyu/osintscan/internal/application/scans"
	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
	"github.com/bryanwahyu/osintscan/internal/middleware"
)

// Subscriber streams a scan's events to live viewers.
type Subscriber interface {
	Subscribe(id domain.ScanID) (<-chan domain.Event, func())
}

// Options configures the HTTP surface.
type Options struct {
	ResultsToken    string
	OpsSecret       string
	MaxWebhookBytes int64
	CORSOrigins     []string
	// RateLimiter is applied to end-user routes when set.
	RateLimiter *middleware.RateLimiter
	Health      map[string]middleware.HealthChecker
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

type Router struct {
	scansSvc   *appscans.Service
	creditsSvc *appcredits.Service
	events     Subscriber
	auth       *middleware.Authenticator
	metrics    *middleware.Metrics
	opts       Options
}

const (
	maxRequestBytes = 1 << 20
	retryAfter      = "5"
)

func NewRouter(scansSvc *appscans.Service, creditsSvc *appcredits.Service, events Subscriber,
	auth *middleware.Authenticator, metrics *middleware.Metrics, opts Options) http.Handler {
	if opts.MaxWebhookBytes <= 0 {
		opts.MaxWebhookBytes = 10 << 20
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if metrics == nil {
		metrics = middleware.NewMetrics()
	}
	r := &Router{scansSvc: scansSvc, creditsSvc: creditsSvc, events: events, auth: auth, metrics: metrics, opts: opts}

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID, chimw.RealIP, middleware.LoggingMiddleware, chimw.Recoverer, metrics.Middleware)
	if len(opts.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.APIKeyHeader, chimw.RequestIDHeader},
			ExposedHeaders:   []string{chimw.RequestIDHeader, "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	mux.Get("/health", middleware.HealthHandler(opts.Health))
	mux.Get("/healthz", middleware.LivenessHandler)
	mux.Get("/readyz", middleware.ReadinessHandler)
	mux.Get("/metrics", metrics.Handler)

	mux.Route("/v1", func(rt chi.Router) {
		rt.With(middleware.RequireResultsToken(opts.ResultsToken)).
			Post("/webhooks/results", r.wrap(r.handleWebhook))

		rt.Group(func(ops chi.Router) {
			ops.Use(auth.RequireOpsOrAdmin(opts.OpsSecret))
			ops.Post("/ops/reconcile", r.wrap(r.handleReconcile))
			ops.Post("/ops/sweep", r.wrap(r.handleSweep))
			ops.Post("/ops/credits", r.wrap(r.handleGrant))
		})

		rt.Group(func(user chi.Router) {
			user.Use(auth.RequireUser)
			if opts.RateLimiter != nil {
				user.Use(opts.RateLimiter.Middleware)
			}
			user.Post("/scans", r.wrap(r.handleDispatch))
			user.Get("/scans", r.wrap(r.handleList))
			user.Post("/scans/cancel", r.wrap(r.handleCancelMany))
			user.Get("/scans/{id}", r.wrap(r.handleGet))
			user.Delete("/scans/{id}", r.wrap(r.handleDelete))
			user.Get("/scans/{id}/findings", r.wrap(r.handleFindings))
			user.Get("/scans/{id}/audit", r.wrap(r.handleAudit))
			user.Get("/scans/{id}/events", r.wrap(r.handleEvents))
			user.Post("/scans/{id}/cancel", r.wrap(r.handleCancel))
			user.Get("/summary", r.wrap(r.handleSummary))
			user.Get("/credits", r.wrap(r.handleBalance))
			user.Get("/credits/ledger", r.wrap(r.handleLedger))
		})
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

var errUnauthenticated = errors.New("unauthenticated")

// wrap is the single place errors become HTTP responses. Internal failures
// are logged and never echoed to the caller.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		status, code, msg := classify(err)
		if status == http.StatusInternalServerError {
			slog.ErrorContext(req.Context(), "Request failed.", slog.String("error", err.Error()))
		}
		if status == http.StatusGatewayTimeout || status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", retryAfter)
		}
		middleware.WriteError(w, req, status, code, msg)
	}
}

func classify(err error) (int, string, string) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "VALIDATION_FAILED", ve.Error()
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, middleware.CodeUnauthenticated, "authentication required"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, middleware.CodeForbidden, domain.ErrForbidden.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", domain.ErrNotFound.Error()
	case errors.Is(err, domain.ErrNotTerminal):
		return http.StatusConflict, "SCAN_NOT_TERMINAL", domain.ErrNotTerminal.Error()
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", err.Error()
	case errors.Is(err, domain.ErrWorkerTimeout):
		return http.StatusGatewayTimeout, "WORKER_TIMEOUT", "worker did not answer in time; retry or poll the scan"
	case errors.Is(err, domain.ErrWorkerUnreachable):
		return http.StatusServiceUnavailable, "WORKER_UNREACHABLE", domain.ErrWorkerUnreachable.Error()
	case errors.Is(err, domain.ErrWorkerRejected):
		return http.StatusBadGateway, "DISPATCHER_MISCONFIGURED", "worker rejected dispatcher credentials"
	case errors.Is(err, domain.ErrWorkerFailed):
		return http.StatusBadGateway, "WORKER_ERROR", domain.ErrWorkerFailed.Error()
	}
	return http.StatusInternalServerError, middleware.CodeInternal, "internal error"
}

func principal(req *http.Request) (identity.Principal, error) {
	p, ok := identity.PrincipalFrom(req.Context())
	if !ok {
		return identity.Principal{}, errUnauthenticated
	}
	return p, nil
}

func scanID(req *http.Request) domain.ScanID {
	return domain.ScanID(chi.URLParam(req, "id"))
}
