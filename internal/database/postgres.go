// Package database manages the connection pool to the clinic's primary
// PostgreSQL database, whose writes feed the sync event log.
package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config holds primary database connection settings
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	MaxConnections  int
	MinConnections  int
	ConnMaxLifetime time.Duration
}

// PoolStats is a snapshot of the connection pool
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

// PrimaryDatabase is the lifecycle-managed pool to the primary database
type PrimaryDatabase struct {
	config *Config
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPrimaryDatabase creates the service. The pool is opened by Initialize.
func NewPrimaryDatabase(cfg *Config, logger *zap.Logger) *PrimaryDatabase {
	return &PrimaryDatabase{config: cfg, logger: logger}
}

// ConnString renders the pgx connection string for cfg
func ConnString(cfg *Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	if cfg.MaxConnections > 0 {
		q.Set("pool_max_conns", fmt.Sprintf("%d", cfg.MaxConnections))
	}
	if cfg.MinConnections > 0 {
		q.Set("pool_min_conns", fmt.Sprintf("%d", cfg.MinConnections))
	}
	if cfg.ConnMaxLifetime > 0 {
		q.Set("pool_max_conn_lifetime", cfg.ConnMaxLifetime.String())
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Name implements lifecycle.Service
func (d *PrimaryDatabase) Name() string {
	return "primary-db"
}

// Initialize opens the pool and verifies the connection
func (d *PrimaryDatabase) Initialize(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(ConnString(d.config))
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	d.pool = pool
	d.logger.Info("Connected to primary database",
		zap.String("host", d.config.Host),
		zap.Int("port", d.config.Port),
		zap.String("database", d.config.Database),
		zap.Int32("max_conns", config.MaxConns))
	return nil
}

// Shutdown closes the pool
func (d *PrimaryDatabase) Shutdown(ctx context.Context) error {
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return nil
}

// HealthCheck pings the database
func (d *PrimaryDatabase) HealthCheck(ctx context.Context) error {
	if d.pool == nil {
		return fmt.Errorf("primary database pool is not open")
	}
	return d.pool.Ping(ctx)
}

// Pool returns the open pool, or nil before Initialize
func (d *PrimaryDatabase) Pool() *pgxpool.Pool {
	return d.pool
}

// Stats returns pool usage counters
func (d *PrimaryDatabase) Stats() PoolStats {
	if d.pool == nil {
		return PoolStats{}
	}
	st := d.pool.Stat()
	return PoolStats{
		TotalConns:    st.TotalConns(),
		IdleConns:     st.IdleConns(),
		AcquiredConns: st.AcquiredConns(),
		MaxConns:      st.MaxConns(),
	}
}
