package central

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultAppliedTTL is how long an applied event id is remembered
const DefaultAppliedTTL = 30 * 24 * time.Hour

// IdempotencyStore remembers which events were already applied per
// establishment so retransmitted batches are not applied twice.
type IdempotencyStore interface {
	Seen(ctx context.Context, establishmentID, eventID string) (bool, error)
	MarkApplied(ctx context.Context, establishmentID, eventID string) error
	Ping(ctx context.Context) error
	Close() error
}

func appliedKey(establishmentID, eventID string) string {
	return fmt.Sprintf("edgesync:applied:%s:%s", establishmentID, eventID)
}

// MemoryIdempotencyStore keeps applied ids in process memory
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	applied map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store. ttl <= 0 uses
// DefaultAppliedTTL.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultAppliedTTL
	}
	return &MemoryIdempotencyStore{
		applied: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Seen reports whether the event was applied and has not expired
func (s *MemoryIdempotencyStore) Seen(ctx context.Context, establishmentID, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := appliedKey(establishmentID, eventID)
	expiresAt, ok := s.applied[key]
	if !ok {
		return false, nil
	}
	if s.now().After(expiresAt) {
		delete(s.applied, key)
		return false, nil
	}
	return true, nil
}

// MarkApplied records the event as applied
func (s *MemoryIdempotencyStore) MarkApplied(ctx context.Context, establishmentID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.applied {
		if now.After(exp) {
			delete(s.applied, k)
		}
	}
	s.applied[appliedKey(establishmentID, eventID)] = now.Add(s.ttl)
	return nil
}

// Ping always succeeds
func (s *MemoryIdempotencyStore) Ping(ctx context.Context) error {
	return nil
}

// Close drops every remembered id
func (s *MemoryIdempotencyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = make(map[string]time.Time)
	return nil
}

// RedisConfig holds the Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
}

// RedisIdempotencyStore implements IdempotencyStore for Redis
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisIdempotencyStore connects to Redis and verifies the connection
func NewRedisIdempotencyStore(cfg RedisConfig, logger *zap.Logger) (*RedisIdempotencyStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultAppliedTTL
	}

	logger.Info("Connected to Redis idempotency store",
		zap.String("addr", addr),
		zap.Int("db", cfg.DB),
		zap.Duration("ttl", ttl))

	return &RedisIdempotencyStore{client: client, ttl: ttl, logger: logger}, nil
}

// Seen checks whether the applied marker exists
func (s *RedisIdempotencyStore) Seen(ctx context.Context, establishmentID, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, appliedKey(establishmentID, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check applied marker: %w", err)
	}
	return n > 0, nil
}

// MarkApplied stores the applied marker with the configured TTL
func (s *RedisIdempotencyStore) MarkApplied(ctx context.Context, establishmentID, eventID string) error {
	if err := s.client.Set(ctx, appliedKey(establishmentID, eventID), 1, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store applied marker: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisIdempotencyStore) Close() error {
	s.logger.Info("Closing Redis idempotency store")
	return s.client.Close()
}
