// Package app is the composition root: it builds every component, wires
// the Control API, starts the scheduler, and serves HTTP until a
// shutdown signal arrives.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/previewctl/orchestrator/internal/api"
	"github.com/previewctl/orchestrator/internal/authclient"
	"github.com/previewctl/orchestrator/internal/config"
	"github.com/previewctl/orchestrator/internal/containermgr"
	"github.com/previewctl/orchestrator/internal/httpserver"
	"github.com/previewctl/orchestrator/internal/ledger"
	"github.com/previewctl/orchestrator/internal/monitoring"
	"github.com/previewctl/orchestrator/internal/platform"
	"github.com/previewctl/orchestrator/internal/provider"
	"github.com/previewctl/orchestrator/internal/quota"
	"github.com/previewctl/orchestrator/internal/realtime"
	"github.com/previewctl/orchestrator/internal/scheduler"
	"github.com/previewctl/orchestrator/internal/telemetry"
)

// redisPinger adapts redis.Client's StatusCmd-returning Ping to
// httpserver.Pinger's plain-error shape.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Run reads config, connects infrastructure, builds every component, and
// serves the Control API until ctx is cancelled (SIGTERM/SIGINT).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting previewctl", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.Bootstrap(ctx, db); err != nil {
		return fmt.Errorf("bootstrapping schema: %w", err)
	}
	logger.Info("schema bootstrap complete")

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(
		telemetry.HTTPRequestDuration,
		telemetry.SessionsCreatedTotal,
		telemetry.SessionsDestroyedTotal,
		telemetry.ProviderRequestDuration,
		telemetry.SchedulerJobDuration,
		telemetry.SchedulerJobOverrunsTotal,
		telemetry.QuotaDecisionsTotal,
	)

	return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	// Provider Adapter — the real Machines-as-a-Service REST client.
	var adapter provider.Adapter = provider.NewFlyAdapter(cfg.ProviderAPIBaseURL, cfg.ProviderAppName, cfg.ProviderAPIToken, logger)

	// Session Ledger, backed by Postgres.
	var store ledger.Store = ledger.NewPostgresStore(db)

	// Realtime Registrar — best-effort sidecar, optional.
	var registrar realtime.Registrar = realtime.NoopRegistrar{}
	if cfg.RealtimeBaseURL != "" {
		registrar = realtime.NewHTTPRegistrar(cfg.RealtimeBaseURL, cfg.RealtimeAPIKey, logger)
	}

	// Container Manager, the convergence point of the adapter/ledger/registrar.
	manager := containermgr.New(store, adapter, registrar, logger, nil)

	// Monitoring Bus, backed by the ledger's system_events table.
	eventStore := platform.NewEventStore(db)
	bus := monitoring.New(logger, eventStore, cfg.AlertWebhookURL)

	// Scheduler drives the periodic reconciliation jobs.
	sched := scheduler.New(manager, bus, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	// Exchanges bearer tokens for identity and resolves tier.
	authClient := authclient.New(cfg.AuthServiceURL, cfg.AuthServiceKey)

	// Quota Engine.
	quotaEngine := quota.New(rdb, authClient, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, metricsReg, map[string]httpserver.Pinger{
		"postgres": db,
		"redis":    redisPinger{client: rdb},
	})

	// Control API.
	api.Mount(srv.APIRouter, api.Deps{
		Manager:    manager,
		Store:      store,
		Quota:      quotaEngine,
		Bus:        bus,
		Scheduler:  sched,
		Adapter:    adapter,
		AuthClient: authClient,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second, // covers worst-case ready-wait + provider latency
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control api listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down control api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
