// Package telemetry exposes Prometheus metrics and the OpenTelemetry trace
// bootstrap for rolloutd.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rollback"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flag_evaluations_total",
			Help: "Flag evaluations by decision and result source",
		},
		[]string{"flag", "enabled", "source"},
	)
	triggerFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_fires_total",
			Help: "Trigger firings by action and action result",
		},
		[]string{"trigger", "action", "result"},
	)
	rollbackSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollback_steps_total",
			Help: "Rollback step outcomes by plan and status",
		},
		[]string{"plan", "status"},
	)

	// SnapshotFlags is the number of flags the registry currently serves.
	SnapshotFlags = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snapshot_flags",
		Help: "Number of flags currently in the registry snapshot",
	})
)

func Init() {
	prometheus.MustRegister(httpReqs, httpDur, evaluations, triggerFires, rollbackSteps, SnapshotFlags)
}

// ObserveDecision counts one evaluation. Wire it as the evaluation
// service's OnDecision hook.
func ObserveDecision(flagKey string, res registry.Result, cached bool) {
	source := "evaluator"
	if cached {
		source = "cache"
	}
	evaluations.WithLabelValues(flagKey, strconv.FormatBool(res.Enabled), source).Inc()
}

// ObserveFire counts one trigger firing. Wire it as the trigger engine's
// OnFire hook.
func ObserveFire(triggerID, actionName string, res action.Result) {
	result := "success"
	if !res.Success {
		result = "failure"
	}
	triggerFires.WithLabelValues(triggerID, actionName, result).Inc()
}

// ObserveRollbackStep counts one finished plan step. Wire it as the rollback
// executor's OnStep hook.
func ObserveRollbackStep(planID string, step rollback.StepResult) {
	rollbackSteps.WithLabelValues(planID, string(step.Status)).Inc()
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// get route pattern if available
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
