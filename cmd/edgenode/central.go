package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/central"
	"github.com/devrev/edgesync/internal/config"
	"github.com/devrev/edgesync/internal/envelope"
	"github.com/devrev/edgesync/internal/lifecycle"
	"github.com/devrev/edgesync/internal/metrics"
	"github.com/devrev/edgesync/internal/server"
)

func newCentralCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "central",
		Short: "Run a reference central receiver for sync packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCentral(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9000", "address the receiver listens on")
	return cmd
}

func runCentral(parent context.Context, listen string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// The receiver sees the secrets from the other side of the wire: the
	// edge's local system secret is what central decrypts with.
	protocol, err := envelope.NewProtocol(envelope.Config{
		TokenSecret:       cfg.Security.TokenSecret,
		LocalSystemSecret: cfg.Security.CentralSecret,
		CentralSecret:     cfg.Security.LocalSystemSecret,
		TokenTTL:          cfg.Security.TokenTTL,
		MaxPackageAge:     cfg.Security.MaxPackageAge,
		MaxClockSkew:      cfg.Security.MaxClockSkew,
		MinNonceBytes:     cfg.Security.MinNonceBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create envelope protocol: %w", err)
	}

	var store central.IdempotencyStore
	if cfg.Redis.Enabled {
		store, err = central.NewRedisIdempotencyStore(central.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			TTL:      cfg.Redis.TTL,
		}, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("Redis disabled, applied event ids are kept in memory")
		store = central.NewMemoryIdempotencyStore(cfg.Redis.TTL)
	}

	m := metrics.NewMetrics(cfg.Server.NodeID, prometheus.NewRegistry())
	receiver := central.NewReceiver(protocol, store, nil, cfg.Central.APIKey, m, logger)

	o := lifecycle.NewOrchestrator(logger)
	srv := central.NewServer(listen, receiver, logger)
	if err := o.Register(srv); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		ms := server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, m, nil, logger)
		if err := o.Register(ms); err != nil {
			return err
		}
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := o.InitializeAll(ctx); err != nil {
		shutdown(o, cfg.Server.ShutdownTimeout, logger)
		return fmt.Errorf("failed to start central receiver: %w", err)
	}

	logger.Info("Central receiver started", zap.String("addr", listen))
	<-ctx.Done()
	logger.Info("Shutting down central receiver")

	return shutdown(o, cfg.Server.ShutdownTimeout, logger)
}
