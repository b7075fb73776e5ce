// Package ratelimit provides the shared request limiter and idempotency nonce
// store used by the public API. Redis backs both when several instances run;
// the in-process variants serve single-instance and test deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleEntryTTL   = 10 * time.Minute
	cleanupInterval = 1 * time.Minute
)

// Limiter consumes one unit of budget for key and reports whether the caller
// may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Claim is the outcome of a nonce claim.
type Claim struct {
	// Fresh is true when this call reserved the key.
	Fresh bool
	// Value is whatever was bound to an existing key. Empty while the
	// request that claimed it is still running.
	Value string
}

// NonceStore is a check-and-consume store with expiry.
type NonceStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (Claim, error)
	// Bind attaches value to a key this caller claimed.
	Bind(ctx context.Context, key, value string, ttl time.Duration) error
	// Release forgets key so a later request may claim it again.
	Release(ctx context.Context, key string) error
}

// Rule is a budget of Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) normalized() Rule {
	if r.Limit <= 0 {
		r.Limit = 30
	}
	if r.Window <= 0 {
		r.Window = time.Minute
	}
	return r
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps a token bucket per key.
type MemoryLimiter struct {
	rule    Rule
	nowFunc func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

func NewMemoryLimiter(rule Rule) *MemoryLimiter {
	return &MemoryLimiter{
		rule:     rule.normalized(),
		nowFunc:  time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.limiters[key]
	if !ok {
		every := rate.Every(m.rule.Window / time.Duration(m.rule.Limit))
		entry = &limiterEntry{limiter: rate.NewLimiter(every, m.rule.Limit)}
		m.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1), nil
}

// Sweep removes limiters idle longer than the stale TTL.
func (m *MemoryLimiter) Sweep() {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.limiters {
		if now.Sub(entry.lastSeen) > staleEntryTTL {
			delete(m.limiters, key)
		}
	}
}

func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

type nonceEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryNonceStore is the in-process NonceStore.
type MemoryNonceStore struct {
	nowFunc func() time.Time

	mu      sync.Mutex
	entries map[string]nonceEntry
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nowFunc: time.Now, entries: make(map[string]nonceEntry)}
}

func (s *MemoryNonceStore) Claim(_ context.Context, key string, ttl time.Duration) (Claim, error) {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return Claim{Value: e.value}, nil
	}
	s.entries[key] = nonceEntry{expiresAt: now.Add(ttl)}
	return Claim{Fresh: true}, nil
}

func (s *MemoryNonceStore) Bind(_ context.Context, key, value string, ttl time.Duration) error {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = nonceEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryNonceStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Sweep drops expired nonces.
func (s *MemoryNonceStore) Sweep() {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// Sweeper is implemented by the in-process stores.
type Sweeper interface {
	Sweep()
}

// RunSweeper calls Sweep on each store every cleanup interval until ctx ends.
func RunSweeper(ctx context.Context, stores ...Sweeper) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, s := range stores {
				s.Sweep()
			}
		}
	}
}
