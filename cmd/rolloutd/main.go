package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/api"
	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/cache"
	"github.com/TimurManjosov/gorollout/internal/config"
	"github.com/TimurManjosov/gorollout/internal/db"
	"github.com/TimurManjosov/gorollout/internal/evaluation"
	"github.com/TimurManjosov/gorollout/internal/logging"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/notify"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rollback"
	"github.com/TimurManjosov/gorollout/internal/store"
	"github.com/TimurManjosov/gorollout/internal/telemetry"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Console: cfg.LogConsole})

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.RolloutSaltGenerated() {
		log.Warn().Msg("ROLLOUT_SALT is not set; bucket assignments will not survive a restart")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("rolloutd exited")
	}
	log.Info().Msg("rolloutd stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.Init()
	shutdownTracing, err := telemetry.SetupTracing(ctx, "rolloutd", cfg.OTELEndpoint, cfg.AppEnv)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	// One pool serves the flag store, the audit sink and the readiness probe.
	var pool *pgxpool.Pool
	if cfg.StoreType == "postgres" || cfg.AuditSink == "postgres" {
		pool, err = db.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
	}

	var st store.Store
	if cfg.StoreType == "postgres" {
		st, err = store.NewPostgresStore(ctx, pool)
		if err != nil {
			return fmt.Errorf("flag store: %w", err)
		}
	} else {
		st = store.NewMemoryStore()
	}

	reg, err := registry.New(ctx, st, registry.Options{
		Salt:           cfg.RolloutSalt,
		DefaultEnabled: cfg.EvaluationDefault,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	var evalCache *cache.EvaluationCache
	if cfg.CacheBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		evalCache = cache.New(cache.NewRedisStore(rdb, ""), log)
	} else {
		evalCache = cache.New(cache.NewMemoryStore(), log)
	}
	defer evalCache.Close()

	eval := evaluation.New(reg, evaluation.Options{
		Cache:      evalCache,
		TTL:        cfg.CacheTTL,
		OnDecision: telemetry.ObserveDecision,
		Logger:     log,
	})
	defer eval.Close()

	var samples metrics.Store
	if cfg.MetricsBackend == "influx" {
		influx := metrics.NewInfluxStore(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer influx.Close()
		samples = influx
	} else {
		samples = metrics.NewMemoryStore(0)
	}

	var sink audit.Sink
	switch cfg.AuditSink {
	case "postgres":
		sink, err = audit.NewPostgresSink(ctx, pool)
		if err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
	case "badger":
		bs, err := audit.OpenBadgerSink(cfg.BadgerPath, log)
		if err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
		defer bs.Close()
		sink = bs
	default:
		sink = audit.NewMemorySink(0)
	}
	auditSvc := audit.NewService(sink, audit.ServiceOptions{Logger: log})
	defer auditSvc.Close()

	dash := notify.NewDashboardChannel(0)
	channels := []notify.Channel{
		notify.NewLogChannel(notify.KindChat, log),
		dash,
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(notify.WebhookConfig{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
		}, log))
	}
	router := notify.NewRouter(notify.RouterOptions{Logger: log}, channels...)
	defer router.Close()

	exec := rollback.NewExecutor(rollback.Options{
		Flags:   reg,
		Metrics: samples,
		Audit:   auditSvc,
		OnStep:  telemetry.ObserveRollbackStep,
		Logger:  log,
	})

	disp := action.NewDispatcher(action.Options{
		Flags:    reg,
		Rollback: exec,
		Audit:    auditSvc,
		Notifier: router,
		Logger:   log,
	})

	eng := trigger.NewEngine(samples, disp, trigger.Options{
		Interval:      cfg.TriggerInterval,
		MaxConcurrent: cfg.TriggerMaxConcurrent,
		Audit:         auditSvc,
		OnFire:        telemetry.ObserveFire,
		Logger:        log,
	})

	// applyRollout seeds flags and swaps trigger and plan definitions from
	// the rollout file. Flags that already exist keep their runtime state;
	// the file declares, the registry owns.
	applyRollout := func(ctx context.Context) error {
		set, err := config.LoadRolloutFile(cfg.RolloutConfigPath)
		if err != nil {
			return err
		}
		for _, flag := range set.Flags {
			err := reg.Create(ctx, flag)
			if errors.Is(err, registry.ErrFlagExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("seed flag %q: %w", flag.Key, err)
			}
		}
		if err := eng.Replace(set.Triggers); err != nil {
			return err
		}
		if err := exec.ReplacePlans(set.Plans); err != nil {
			return err
		}
		log.Info().
			Int("flags", len(set.Flags)).
			Int("triggers", len(set.Triggers)).
			Int("plans", len(set.Plans)).
			Msg("rollout definitions applied")
		return nil
	}

	if cfg.RolloutConfigPath != "" {
		if err := applyRollout(ctx); err != nil {
			return fmt.Errorf("rollout config: %w", err)
		}
		if cfg.WatchConfig {
			watcher, err := config.WatchRolloutFile(cfg.RolloutConfigPath, func() {
				if err := applyRollout(context.Background()); err != nil {
					log.Error().Err(err).Msg("rollout config reload failed, keeping previous definitions")
					return
				}
				auditSvc.Log(audit.NewEvent(audit.KindConfigReloaded, cfg.RolloutConfigPath).
					By("system:watcher").
					Success().
					Build())
			}, log)
			if err != nil {
				return fmt.Errorf("watch rollout config: %w", err)
			}
			defer watcher.Close()
		}
	}

	telemetry.SnapshotFlags.Set(float64(len(reg.All())))
	updates, unsub := reg.Subscribe()
	defer unsub()
	go func() {
		for range updates {
			telemetry.SnapshotFlags.Set(float64(len(reg.All())))
		}
	}()

	var ready func(context.Context) error
	if pool != nil {
		ready = pool.Ping
	}

	srv := api.NewServer(api.Options{
		Evaluator:        eval,
		Registry:         reg,
		Triggers:         eng,
		Rollbacks:        exec,
		Metrics:          samples,
		Audit:            auditSvc,
		Notifier:         router,
		Dashboard:        dash,
		AdminAPIKey:      cfg.AdminAPIKey,
		PublicRatePerMin: cfg.RateLimitPerIP,
		AdminRatePerMin:  cfg.RateLimitAdminPerKey,
		Ready:            ready,
		Logger:           log,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	obsMux := http.NewServeMux()
	obsMux.Handle("/metrics", promhttp.Handler())
	obsMux.HandleFunc("/debug/pprof/", pprof.Index)
	obsMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	obsMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	obsMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	obsMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	obsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: obsMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.AppEnv).Msg("api listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := obsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		eng.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		err := httpSrv.Shutdown(shutCtx)
		if obsErr := obsSrv.Shutdown(shutCtx); err == nil {
			err = obsErr
		}
		return err
	})

	return g.Wait()
}
