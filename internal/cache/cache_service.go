// Package cache provides a Redis-backed JSON cache shared between replicas.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/logging"
)

// ErrMiss is returned when a key is absent
var ErrMiss = errors.New("cache miss")

// ErrUnavailable is returned while the circuit breaker is open or the service is disabled
var ErrUnavailable = errors.New("redis unavailable")

// Key prefixes for the engine's shared state
const (
	PrefixCorrelation = "btc:correlation:%s"
	KeyUniverse       = "scanner:universe"
)

// Default TTLs
const (
	DefaultCorrelationTTL = time.Hour
	DefaultUniverseTTL    = 36 * time.Hour
)

// CorrelationKey generates the cache key of a symbol's BTC correlation record
func CorrelationKey(symbol string) string {
	return fmt.Sprintf(PrefixCorrelation, symbol)
}

// Service provides Redis caching with graceful degradation.
// A nil *Service is valid and behaves as an always-unavailable cache.
type Service struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// NewService connects to Redis. A failed initial ping returns a service in degraded mode.
func NewService(cfg config.RedisConfig, logger *logging.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:        client,
		config:        cfg,
		logger:        logger.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("Initial Redis connection failed, running degraded", "address", cfg.Address, "error", err)
		s.lastCheck = time.Now()
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info("Redis connected", "address", cfg.Address)
	return s, nil
}

// IsHealthy returns whether Redis is currently available
func (s *Service) IsHealthy() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn("Circuit breaker open, Redis marked unhealthy", "failures", s.failureCount)
		}
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info("Circuit breaker closed, Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth pings in the background once checkInterval has passed while unhealthy
func (s *Service) checkHealth() {
	s.mu.Lock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	if shouldCheck {
		s.lastCheck = time.Now()
	}
	s.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

func (s *Service) available() error {
	if s == nil {
		return ErrUnavailable
	}
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrUnavailable
	}
	return nil
}

// GetJSON reads key into dest. It returns ErrMiss for absent keys.
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if err := s.available(); err != nil {
		return err
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.recordSuccess()
			return ErrMiss
		}
		s.recordFailure()
		return fmt.Errorf("redis get failed: %w", err)
	}
	s.recordSuccess()

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// SetJSON marshals value and stores it with ttl
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := s.available(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// Delete removes a key
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.available(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// Ping checks Redis connectivity
func (s *Service) Ping(ctx context.Context) error {
	if s == nil {
		return ErrUnavailable
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// Close closes the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Stats reports cache health for the admin endpoint
type Stats struct {
	Enabled      bool   `json:"enabled"`
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address,omitempty"`
}

// GetStats returns current cache statistics
func (s *Service) GetStats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Enabled:      true,
		Healthy:      s.healthy,
		FailureCount: s.failureCount,
		Address:      s.config.Address,
	}
}
