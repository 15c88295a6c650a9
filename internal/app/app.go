// Package app assembles a session Manager from configuration: logger,
// metrics, token backend and role table.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/metrics"
	"github.com/aussiebroadwan/bartab-session/internal/monitor"
	"github.com/aussiebroadwan/bartab-session/internal/rbac"
	"github.com/aussiebroadwan/bartab-session/internal/refresh"
	"github.com/aussiebroadwan/bartab-session/internal/request"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore/drivers/redis"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore/drivers/sqlite"
	"github.com/aussiebroadwan/bartab-session/pkg/authsdk"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

var ErrUnknownStore = errors.New("app: unknown token store")

// backend is a token backend that holds a connection.
type backend interface {
	tokenstore.Backend
	Close() error
}

type memoryBackend struct{ *tokenstore.MemoryBackend }

func (memoryBackend) Close() error { return nil }

// Application owns a Manager and the resources behind it.
type Application struct {
	cfg    Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	backend  backend
	roles    *rbac.Table
	manager  *authsdk.Manager

	metricsServer *http.Server
}

// New builds the application. opts are passed through to the Manager.
func New(cfg Config, opts ...authsdk.Option) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "sessionctl",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		registry: prometheus.NewRegistry(),
	}

	if err := app.initMetrics(); err != nil {
		return nil, err
	}

	if err := app.initRoles(); err != nil {
		return nil, err
	}

	if err := app.initBackend(); err != nil {
		return nil, err
	}

	if err := app.initManager(opts); err != nil {
		_ = app.backend.Close()
		return nil, err
	}

	return app, nil
}

// Manager returns the session manager.
func (app *Application) Manager() *authsdk.Manager { return app.manager }

func (app *Application) Logger() *slog.Logger { return app.logger }

// Registry returns the prometheus registry the collectors live in.
func (app *Application) Registry() *prometheus.Registry { return app.registry }

// StartMetrics serves /metrics on the configured address. It is a no-op
// when no address is set.
func (app *Application) StartMetrics() {
	if app.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	app.metricsServer = &http.Server{
		Addr:              app.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		app.logger.Info("metrics server starting", "addr", app.cfg.MetricsAddr)
		if err := app.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Close stops background work and releases the backend. Persisted tokens
// are kept.
func (app *Application) Close() error {
	app.manager.Dispose()

	if app.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.metricsServer.Shutdown(ctx); err != nil {
			app.logger.Error("metrics server shutdown failed", "error", err)
		}
	}

	if err := app.backend.Close(); err != nil {
		app.logger.Error("error closing token backend", "error", err)
		return err
	}
	return nil
}

func (app *Application) initMetrics() error {
	app.registry.MustRegister(collectors.NewGoCollector())

	m, err := metrics.New(app.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	app.metrics = m
	return nil
}

// initRoles loads the role table, falling back to the default hierarchy.
func (app *Application) initRoles() error {
	if app.cfg.RolesFile == "" {
		app.roles = rbac.DefaultTable()
		return nil
	}

	f, err := os.Open(app.cfg.RolesFile)
	if err != nil {
		return fmt.Errorf("failed to open roles file: %w", err)
	}
	defer f.Close()

	table, err := rbac.LoadTable(f)
	if err != nil {
		return fmt.Errorf("failed to load roles file %s: %w", app.cfg.RolesFile, err)
	}
	app.roles = table

	app.logger.Info("role table loaded", "file", app.cfg.RolesFile, "roles", len(table.Roles()))
	return nil
}

// initBackend opens the configured token backend.
func (app *Application) initBackend() error {
	switch app.cfg.Store {
	case StoreMemory:
		app.backend = memoryBackend{tokenstore.NewMemoryBackend()}

	case StoreSQLite, "":
		dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.SQLiteFile)
		db, err := sqlite.NewStore(dsn)
		if err != nil {
			return fmt.Errorf("failed to open token database: %w", err)
		}
		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply token database migrations: %w", err)
		}
		app.backend = db

	case StoreRedis:
		app.backend = redis.New(redis.Config{
			Addr:     app.cfg.RedisAddr,
			Password: app.cfg.RedisPassword,
			DB:       app.cfg.RedisDB,
			Prefix:   app.cfg.RedisPrefix,
		})

	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, app.cfg.Store)
	}

	app.logger.Debug("token backend ready", "store", app.cfg.Store)
	return nil
}

func (app *Application) initManager(opts []authsdk.Option) error {
	retries := app.cfg.RetryMax
	if retries == 0 {
		// RETRY_MAX=0 disables retries
		retries = -1
	}

	mgr, err := authsdk.NewManager(authsdk.Config{
		BaseURL: app.cfg.BaseURL,
		Backend: app.backend,
		Roles:   app.roles,
		Refresh: refresh.Config{Buffer: app.cfg.RefreshBuffer},
		Request: request.Config{
			Policy: request.Policy{
				BaseDelay:  app.cfg.RetryBaseDelay,
				MaxDelay:   app.cfg.RetryMaxDelay,
				MaxRetries: retries,
			},
			Timeout:   app.cfg.RequestTimeout,
			RateLimit: app.cfg.RateLimitRPS,
			Burst:     app.cfg.RateLimitBurst,
		},
		Monitor: monitor.Config{
			Tick:        app.cfg.SessionTick,
			IdleTimeout: app.cfg.IdleTimeout,
		},
		WarningWindow: app.cfg.WarningWindow,
		Logger:        app.logger,
		Metrics:       app.metrics,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	app.manager = mgr
	return nil
}
