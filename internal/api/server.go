// Package api is the HTTP surface of rolloutd. It exposes a public
// evaluation endpoint for SDKs alongside an admin API for flag mutations,
// trigger management, rollback control, and the audit log. Admin routes are
// protected by a single bearer key compared in constant time.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/evaluation"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/notify"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rollback"
	"github.com/TimurManjosov/gorollout/internal/telemetry"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

// Options wires the server to the rest of the system. Registry and
// Evaluator are required; the others may be nil in partial setups and the
// corresponding routes degrade gracefully.
type Options struct {
	Evaluator *evaluation.Evaluator
	Registry  *registry.Registry
	Triggers  *trigger.Engine
	Rollbacks *rollback.Executor
	Metrics   metrics.Store
	Audit     *audit.Service
	Notifier  *notify.Router
	Dashboard *notify.DashboardChannel

	AdminAPIKey string

	// PublicRatePerMin caps public requests per client IP per minute.
	// Zero disables the limit.
	PublicRatePerMin int
	// AdminRatePerMin caps admin requests per presented key per minute.
	// Zero disables the limit.
	AdminRatePerMin int

	// Ready is consulted by /readyz. Nil means always ready.
	Ready func(context.Context) error

	Logger zerolog.Logger
}

type Server struct {
	eval      *evaluation.Evaluator
	registry  *registry.Registry
	triggers  *trigger.Engine
	rollbacks *rollback.Executor
	metrics   metrics.Store
	auditor   *audit.Service
	notifier  *notify.Router
	dashboard *notify.DashboardChannel

	adminAPIKey  string
	publicRPM    int
	adminRPM     int
	ready        func(context.Context) error
	rollbackWait time.Duration
	log          zerolog.Logger
}

func NewServer(opts Options) *Server {
	return &Server{
		eval:         opts.Evaluator,
		registry:     opts.Registry,
		triggers:     opts.Triggers,
		rollbacks:    opts.Rollbacks,
		metrics:      opts.Metrics,
		auditor:      opts.Audit,
		notifier:     opts.Notifier,
		dashboard:    opts.Dashboard,
		adminAPIKey:  opts.AdminAPIKey,
		publicRPM:    opts.PublicRatePerMin,
		adminRPM:     opts.AdminRatePerMin,
		ready:        opts.Ready,
		rollbackWait: defaultRollbackWait,
		log:          opts.Logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	// public: evaluation, flag reads, metric ingestion
	r.Group(func(r chi.Router) {
		if s.publicRPM > 0 {
			r.Use(httprate.Limit(s.publicRPM, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(RateLimitedError)))
		}
		r.Post("/v1/evaluate", s.handleEvaluate)
		r.Get("/v1/flags", s.handleListFlags)
		r.Get("/v1/flags/{key}", s.handleGetFlag)
		r.Get("/v1/flags/{key}/stats", s.handleFlagStats)
		r.Post("/v1/metrics/samples", s.handleIngestSamples)
	})

	// admin: mutations, triggers, rollbacks, audit
	r.Group(func(r chi.Router) {
		if s.adminRPM > 0 {
			r.Use(httprate.Limit(s.adminRPM, time.Minute,
				httprate.WithKeyFuncs(bearerToken),
				httprate.WithLimitHandler(RateLimitedError)))
		}
		r.Use(s.authAdmin)

		r.Post("/v1/flags", s.handleCreateFlag)
		r.Post("/v1/flags/reload", s.handleReloadFlags)
		r.Patch("/v1/flags/{key}", s.handleUpdateFlag)
		r.Post("/v1/flags/{key}/enable", s.handleEnableFlag)
		r.Post("/v1/flags/{key}/disable", s.handleDisableFlag)

		r.Get("/v1/triggers", s.handleListTriggers)
		r.Post("/v1/triggers", s.handleCreateTrigger)
		r.Post("/v1/triggers/{id}/enable", s.handleEnableTrigger)
		r.Post("/v1/triggers/{id}/disable", s.handleDisableTrigger)

		r.Get("/v1/rollbacks", s.handleListExecutions)
		r.Post("/v1/rollbacks", s.handleStartRollback)
		r.Get("/v1/rollbacks/plans", s.handleListPlans)
		r.Get("/v1/rollbacks/{id}", s.handleGetExecution)

		r.Get("/v1/events", s.handleListEvents)
		r.Get("/v1/notifications", s.handleListNotifications)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authAdmin guards admin routes with the shared key. A missing token is
// 401, a wrong one 403; the compare is constant time.
func (s *Server) authAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		got = strings.TrimSpace(strings.TrimPrefix(got, "Bearer"))
		if got == "" {
			UnauthorizedError(w, r, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminAPIKey)) != 1 {
			ForbiddenError(w, r, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, error) {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer")), nil
}
