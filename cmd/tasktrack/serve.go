package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/samber/do/v2"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ldi/tasktrack/internal/config"
	"github.com/ldi/tasktrack/internal/coordinator"
	"github.com/ldi/tasktrack/internal/db"
	"github.com/ldi/tasktrack/internal/dispatch"
	"github.com/ldi/tasktrack/internal/lifecycle"
	"github.com/ldi/tasktrack/internal/mcp"
	"github.com/ldi/tasktrack/internal/server"
	"github.com/ldi/tasktrack/internal/telemetry"
	"github.com/ldi/tasktrack/internal/transport/jsonl"
)

const (
	serverShutdownTimeout = 15 * time.Second
	otelShutdownTimeout   = 5 * time.Second
)

// serve runs the request server until ctx is done or the transport runs out
// of input, then shuts everything down.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	meter, metrics, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if meter == nil {
			return
		}
		otelCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		defer cancel()
		if err := meter.Shutdown(otelCtx); err != nil {
			logger.Error("telemetry shutdown error", slog.Any("error", err))
		}
	}()

	injector := do.New()
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)
	do.ProvideValue(injector, metrics)
	registerDependencies(injector)

	database, err := do.Invoke[*db.DB](injector)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer database.Close()

	manager, err := do.Invoke[*lifecycle.Manager](injector)
	if err != nil {
		return fmt.Errorf("resolving server: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}

	var (
		status    *server.Server
		statusErr = make(chan error, 1)
	)
	if cfg.Status.Enabled {
		status = do.MustInvoke[*server.Server](injector)
		addr := net.JoinHostPort(cfg.Status.Host, strconv.Itoa(cfg.Status.Port))
		go func() { statusErr <- status.Start(addr) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-manager.Done():
		logger.Info("transport closed")
	case err := <-statusErr:
		if err != nil {
			runErr = fmt.Errorf("status api failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}
	if status != nil {
		if err := status.Shutdown(shutdownCtx); err != nil {
			logger.Error("status api shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*sdkmetric.MeterProvider, *telemetry.Metrics, error) {
	if !cfg.Telemetry.Enabled {
		return nil, nil, nil
	}

	mp, err := telemetry.InitMeter(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Exporter, cfg.Telemetry.Endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("init meter: %w", err)
	}
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, fmt.Errorf("creating metrics: %w", err)
	}
	return mp, metrics, nil
}

func registerDependencies(injector *do.RootScope) {
	do.Provide(injector, func(i do.Injector) (*db.DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)

		database, err := openDB(context.Background(), cfg, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.AutoSnapshot {
			database.EnableAutoSnapshot(cfg.Storage.SnapshotPath)
		}
		return database, nil
	})

	do.Provide(injector, func(i do.Injector) (*coordinator.Coordinator, error) {
		return coordinator.New(do.MustInvoke[*db.DB](i),
			coordinator.WithLogger(do.MustInvoke[*slog.Logger](i)),
			coordinator.WithMetrics(do.MustInvoke[*telemetry.Metrics](i)),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*dispatch.Dispatcher, error) {
		return dispatch.New(do.MustInvoke[*coordinator.Coordinator](i),
			dispatch.WithLogger(do.MustInvoke[*slog.Logger](i)),
			dispatch.WithMetrics(do.MustInvoke[*telemetry.Metrics](i)),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (lifecycle.Transport, error) {
		return newTransport(do.MustInvoke[*config.Config](i), do.MustInvoke[*slog.Logger](i))
	})

	do.Provide(injector, func(i do.Injector) (*lifecycle.Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return lifecycle.New(
			do.MustInvoke[lifecycle.Transport](i),
			do.MustInvoke[*dispatch.Dispatcher](i),
			lifecycle.WithLogger(do.MustInvoke[*slog.Logger](i)),
			lifecycle.WithConfig(lifecycle.Config{
				Name:    cfg.Server.Name,
				Host:    cfg.Server.Host,
				Port:    cfg.Server.Port,
				Debug:   cfg.Server.Debug,
				Workers: cfg.Server.Workers,
			}),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*server.Server, error) {
		manager := do.MustInvoke[*lifecycle.Manager](i)
		return server.NewServer(
			do.MustInvoke[*coordinator.Coordinator](i),
			do.MustInvoke[*db.DB](i),
			server.WithLogger(do.MustInvoke[*slog.Logger](i)),
			server.WithState(func() string { return manager.State().String() }),
		), nil
	})
}

func newTransport(cfg *config.Config, logger *slog.Logger) (lifecycle.Transport, error) {
	switch cfg.Server.Transport {
	case config.TransportJSONL:
		rl := cfg.Server.RateLimit
		return jsonl.New(jsonl.WithLogger(logger), jsonl.WithRateLimit(rl.RequestsPerSecond, rl.Burst)), nil
	case config.TransportMCPHTTP:
		return mcp.NewTransport(mcp.KindHTTP, mcp.WithLogger(logger), mcp.WithServerInfo(cfg.Server.Name, version))
	case config.TransportMCPStdio:
		return mcp.NewTransport(mcp.KindStdio, mcp.WithLogger(logger), mcp.WithServerInfo(cfg.Server.Name, version))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Server.Transport)
	}
}
