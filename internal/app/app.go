// Package app wires the store, visitor counter, comparison backend client,
// scheduler and HTTP server into a single process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/matchwise/matchwise-server/internal/backend"
	"github.com/matchwise/matchwise-server/internal/config"
	"github.com/matchwise/matchwise-server/internal/scheduler"
	"github.com/matchwise/matchwise-server/internal/server"
	"github.com/matchwise/matchwise-server/internal/store"
	"github.com/matchwise/matchwise-server/internal/visitor"
)

const (
	probeInterval   = 15 * time.Second
	shutdownTimeout = 15 * time.Second
)

// App is the main application orchestrator.
type App struct {
	config    *config.Config
	store     store.Store
	counter   *visitor.Counter
	backend   *backend.Client
	scheduler *scheduler.Scheduler
	server    *server.Server
	logger    *logrus.Entry
}

// New opens the configured store and builds the application.
func New(cfg *config.Config, version string, logger *logrus.Entry) (*App, error) {
	log := logger.WithField("component", "app")

	st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := NewWithStore(cfg, st, version, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// NewWithStore builds the application around an already opened store. The
// store is wrapped in a circuit breaker when configured.
func NewWithStore(cfg *config.Config, st store.Store, version string, logger *logrus.Entry) (*App, error) {
	log := logger.WithField("component", "app")

	var breaker *store.Breaker
	if cfg.Store.Breaker.Enabled {
		breaker = store.NewBreaker(st, store.BreakerSettings{
			MaxRequests:      cfg.Store.Breaker.MaxRequests,
			Interval:         cfg.Store.Breaker.Interval(),
			Timeout:          cfg.Store.Breaker.Timeout(),
			MinRequests:      cfg.Store.Breaker.MinRequests,
			FailureThreshold: cfg.Store.Breaker.FailureThreshold,
		}, logger.WithField("component", "store_breaker"))
		st = breaker
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "mw_build_info",
		Help:        "Build information; always 1.",
		ConstLabels: prometheus.Labels{"version": version, "store": st.Name()},
	}, func() float64 { return 1 }))

	counter := visitor.New(st, visitor.Options{
		Seed:            cfg.Visitor.SeedCount,
		FreshnessWindow: cfg.Visitor.FreshnessWindow(),
		Timeout:         cfg.Store.Timeout(),
		Metrics:         visitor.NewMetrics(reg),
	}, logger)
	reg.MustRegister(visitor.NewCollector(counter))

	client, err := backend.New(cfg.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("creating backend client: %w", err)
	}

	registerBreakerGauge(reg, "comparison_backend", client.BreakerState)
	if breaker != nil {
		registerBreakerGauge(reg, "store", breaker.State)
	}

	srv := server.NewServer(cfg, counter, client, reg, logger)

	a := &App{
		config:    cfg,
		store:     st,
		counter:   counter,
		backend:   client,
		scheduler: scheduler.NewScheduler(logger),
		server:    srv,
		logger:    log,
	}
	a.registerTasks()
	return a, nil
}

// Handler returns the HTTP handler, for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Counter returns the visitor counter.
func (a *App) Counter() *visitor.Counter {
	return a.counter
}

// Run starts the scheduler and HTTP server, then blocks until ctx is
// cancelled and shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start(ctx)

	if err := a.server.Start(ctx); err != nil {
		a.scheduler.Stop()
		_ = a.store.Close()
		return fmt.Errorf("starting server: %w", err)
	}
	a.logger.WithField("store", a.store.Name()).Info("matchwise server is running")

	<-ctx.Done()
	a.logger.Info("shutting down")
	a.server.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("error during server shutdown")
		errs = append(errs, err)
	}
	a.scheduler.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Error("error closing store")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// registerTasks adds the cache warmer and the store probe. The probe drives
// readiness and re-warms the cache as soon as the store comes back.
func (a *App) registerTasks() {
	warm := scheduler.NewTask("visitor-cache-warm", a.config.Visitor.WarmInterval(), a.counter.Warm, a.logger)
	warm.Timeout = 2 * a.config.Store.Timeout()
	a.scheduler.AddTask(warm)

	probe := scheduler.NewTask("store-probe", probeInterval, a.store.Ping, a.logger)
	probe.Timeout = a.config.Store.Timeout()
	healthy := false
	probe.OnResult = func(err error) {
		ok := err == nil
		if ok && !healthy {
			warm.Trigger()
		}
		healthy = ok
		a.server.SetReady(ok)
	}
	a.scheduler.AddTask(probe)
}

func openStore(cfg *config.Config, log *logrus.Entry) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		rs, err := store.NewRedisStore(cfg.Redis.URL, cfg.Store.Key, store.RedisOptions{
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("creating redis store: %w", err)
		}
		log.Info("using Redis store")
		return rs, nil
	case "mongo":
		ms, err := store.NewMongoStore(cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, cfg.Store.Key)
		if err != nil {
			return nil, fmt.Errorf("creating mongo store: %w", err)
		}
		log.WithField("collection", cfg.Mongo.Collection).Info("using MongoDB store")
		return ms, nil
	default:
		log.Warn("using in-memory store; the visitor count will not survive a restart")
		return store.NewMemoryStore(), nil
	}
}

var breakerStates = map[string]float64{"closed": 0, "half-open": 1, "open": 2}

func registerBreakerGauge(reg prometheus.Registerer, name string, state func() string) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "mw_circuit_breaker_state",
		Help:        "Circuit breaker state (0=closed, 1=half-open, 2=open, -1=disabled).",
		ConstLabels: prometheus.Labels{"breaker": name},
	}, func() float64 {
		if v, ok := breakerStates[state()]; ok {
			return v
		}
		return -1
	}))
}
