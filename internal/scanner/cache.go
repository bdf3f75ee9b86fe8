package scanner

import (
	"sync"
	"time"

	"binance-signal-engine/internal/clock"
)

// EvaluationCache keeps the latest evaluation per symbol until the next bar closes
type EvaluationCache struct {
	mu    sync.RWMutex
	cache map[string]*CachedEvaluation
	clock clock.Clock
}

// NewEvaluationCache creates an empty cache
func NewEvaluationCache(clk clock.Clock) *EvaluationCache {
	return &EvaluationCache{
		cache: make(map[string]*CachedEvaluation),
		clock: clk,
	}
}

// Get retrieves an evaluation if its bar is still the latest closed one
func (ec *EvaluationCache) Get(symbol string) *Evaluation {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	cached, exists := ec.cache[symbol]
	if !exists || !ec.clock.Now().Before(cached.ExpiresAt) {
		return nil
	}
	return cached.Result
}

// Set stores an evaluation until expiresAt
func (ec *EvaluationCache) Set(symbol string, result *Evaluation, expiresAt time.Time) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.cache[symbol] = &CachedEvaluation{
		Result:    result,
		ExpiresAt: expiresAt,
	}
}

// Clear removes all cached results
func (ec *EvaluationCache) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.cache = make(map[string]*CachedEvaluation)
}

// CleanupExpired removes expired entries and returns how many were dropped
func (ec *EvaluationCache) CleanupExpired() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	n := 0
	for key, cached := range ec.cache {
		if !now.Before(cached.ExpiresAt) {
			delete(ec.cache, key)
			n++
		}
	}
	return n
}
