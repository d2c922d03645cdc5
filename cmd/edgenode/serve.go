package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/edgesync/internal/client"
	"github.com/devrev/edgesync/internal/config"
	"github.com/devrev/edgesync/internal/database"
	"github.com/devrev/edgesync/internal/envelope"
	"github.com/devrev/edgesync/internal/handler"
	"github.com/devrev/edgesync/internal/health"
	"github.com/devrev/edgesync/internal/lifecycle"
	"github.com/devrev/edgesync/internal/metrics"
	"github.com/devrev/edgesync/internal/server"
	"github.com/devrev/edgesync/internal/service"
	"github.com/devrev/edgesync/internal/store"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the edge node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("establishment_id", cfg.Central.EstablishmentID),
		zap.String("central_url", cfg.Central.URL),
		zap.String("storage_path", cfg.Storage.Path))

	orchestrator, err := buildEdgeNode(cfg, logger)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.InitializeAll(ctx); err != nil {
		shutdown(orchestrator, cfg.Server.ShutdownTimeout, logger)
		return fmt.Errorf("failed to start edge node: %w", err)
	}

	logger.Info("Edge node started", zap.String("addr", cfg.ListenAddr()))
	<-ctx.Done()
	logger.Info("Shutting down edge node")

	return shutdown(orchestrator, cfg.Server.ShutdownTimeout, logger)
}

func shutdown(o *lifecycle.Orchestrator, timeout time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := o.ShutdownAll(ctx); err != nil {
		logger.Error("Shutdown completed with errors", zap.Error(err))
		return err
	}
	logger.Info("Edge node stopped")
	return nil
}

// buildEdgeNode constructs every component and registers it with its
// dependencies. Nothing is started here.
func buildEdgeNode(cfg *config.Config, logger *zap.Logger) (*lifecycle.Orchestrator, error) {
	m := metrics.NewMetrics(cfg.Server.NodeID, prometheus.NewRegistry())
	o := lifecycle.NewOrchestrator(logger)

	st := store.New(cfg.Storage.Path, store.WithLogger(logger))

	central := client.NewCentralClient(&client.CentralClientConfig{
		BaseURL:         cfg.Central.URL,
		APIKey:          cfg.Central.APIKey,
		EstablishmentID: cfg.Central.EstablishmentID,
		Timeout:         cfg.Central.Timeout,
		ProbeTimeout:    cfg.Central.ProbeTimeout,
	})

	protocol, err := envelope.NewProtocol(envelope.Config{
		TokenSecret:       cfg.Security.TokenSecret,
		LocalSystemSecret: cfg.Security.LocalSystemSecret,
		CentralSecret:     cfg.Security.CentralSecret,
		TokenTTL:          cfg.Security.TokenTTL,
		MaxPackageAge:     cfg.Security.MaxPackageAge,
		MaxClockSkew:      cfg.Security.MaxClockSkew,
		MinNonceBytes:     cfg.Security.MinNonceBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create envelope protocol: %w", err)
	}

	connectivity := service.NewConnectivityService(central, cfg.Cache.ProbeInterval, m, logger)

	cache := service.NewOfflineCacheService(st, st, connectivity, central, service.CacheServiceConfig{
		MaxSize:         cfg.Cache.MaxSize,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
		MaxRetries:      cfg.Sync.MaxRetries,
		ReplayWorkers:   cfg.Cache.ReplayWorkers,
		ReplayBatchSize: cfg.Cache.ReplayBatchSize,
	}, m, logger)

	syncEngine := service.NewSyncService(st, protocol, central, connectivity, service.SyncServiceConfig{
		EstablishmentID: cfg.Central.EstablishmentID,
		Interval:        cfg.Sync.Interval,
		BatchSize:       cfg.Sync.BatchSize,
		RetryDelay:      cfg.Sync.RetryDelay,
		RetentionDays:   cfg.Sync.RetentionDays,
		CleanupInterval: cfg.Sync.CleanupInterval,
	}, m, logger)

	connectivity.OnOnline(cache.HandleOnline)
	connectivity.OnOnline(syncEngine.HandleOnline)

	if err := o.Register(st); err != nil {
		return nil, err
	}
	if cfg.Database.Enabled {
		db := database.NewPrimaryDatabase(&database.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			MaxConnections:  cfg.Database.MaxConnections,
			MinConnections:  cfg.Database.MinConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err := o.Register(db); err != nil {
			return nil, err
		}
	}
	if err := o.Register(cache, store.ServiceName); err != nil {
		return nil, err
	}
	if err := o.Register(syncEngine, store.ServiceName); err != nil {
		return nil, err
	}
	// connectivity starts after its listeners so the first transition
	// reaches running services
	if err := o.Register(connectivity, cache.Name(), syncEngine.Name()); err != nil {
		return nil, err
	}

	handlerCfg := handler.Config{
		Sync:         syncEngine,
		Cache:        cache,
		Connectivity: connectivity,
		Services:     o,
		Timeout:      cfg.Central.Timeout,
	}
	apiDeps := []string{cache.Name(), syncEngine.Name(), connectivity.Name()}

	if cfg.Gossip.Enabled {
		gossip := service.NewGossipService(&service.GossipConfig{
			NodeID:          cfg.Server.NodeID,
			EstablishmentID: cfg.Central.EstablishmentID,
			BindAddr:        cfg.Gossip.BindAddr,
			BindPort:        cfg.Gossip.BindPort,
			SeedNodes:       cfg.Gossip.SeedNodes,
			UpdateInterval:  cfg.Gossip.UpdateInterval,
		}, presenceSource(connectivity, st, logger), m, logger)
		if err := o.Register(gossip, connectivity.Name()); err != nil {
			return nil, err
		}
		handlerCfg.Peers = gossip
		apiDeps = append(apiDeps, gossip.Name())
	}

	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:           cfg.Server.NodeID,
		DataDir:          filepath.Dir(cfg.Storage.Path),
		GRPCPort:         cfg.Health.GRPCPort,
		CheckInterval:    cfg.Health.CheckInterval,
		CriticalServices: []string{store.ServiceName, "primary-db"},
	}, o, logger)
	if err := o.Register(healthChecker, store.ServiceName); err != nil {
		return nil, err
	}

	api := server.NewServer(&server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		RateLimitEnabled:  cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
	}, handler.NewHandlers(handlerCfg, logger), healthChecker, m, logger)
	if err := o.Register(api, append(apiDeps, healthChecker.Name())...); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		ms := server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, m, gaugeCollector(cache, syncEngine), logger)
		if err := o.Register(ms, cache.Name(), syncEngine.Name()); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// presenceSource reports connectivity and backlog to gossip peers
func presenceSource(connectivity *service.ConnectivityService, st *store.Store, logger *zap.Logger) service.PresenceSource {
	return func(ctx context.Context) (bool, int64) {
		online := connectivity.State() == service.ConnectivityOnline
		counts, err := st.CountSyncEvents(ctx)
		if err != nil {
			logger.Debug("Failed to count pending events for gossip", zap.Error(err))
			return online, 0
		}
		return online, counts.Pending
	}
}

// gaugeCollector refreshes store-backed gauges concurrently
func gaugeCollector(cache *service.OfflineCacheService, syncEngine *service.SyncService) server.Collector {
	return func(ctx context.Context) {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			_, err := cache.Stats(gctx)
			return err
		})
		g.Go(func() error {
			_, err := syncEngine.GetSyncStats(gctx)
			return err
		})
		_ = g.Wait()
	}
}
