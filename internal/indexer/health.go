package indexer

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus is the indexer's health as reported to operators.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed cycles
	// before the indexer is reported unhealthy.
	DefaultUnhealthyThreshold = 5

	latencyWindowSize = 10
)

// Health tracks consecutive cycle failures and recent cycle latency.
type Health struct {
	mu                  sync.RWMutex
	status              HealthStatus
	consecutiveFailures int
	unhealthyThreshold  int
	degradedLatency     time.Duration
	latencies           []time.Duration
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	lastError           string
	now                 func() time.Time
}

// NewHealth returns a tracker in HealthStatusUnknown until the first cycle.
func NewHealth(unhealthyThreshold int, degradedLatency time.Duration) *Health {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &Health{
		status:             HealthStatusUnknown,
		unhealthyThreshold: unhealthyThreshold,
		degradedLatency:    degradedLatency,
		latencies:          make([]time.Duration, 0, latencyWindowSize),
		now:                time.Now,
	}
}

// RecordSuccess records a completed cycle and reports whether it ended an
// unhealthy streak.
func (h *Health) RecordSuccess(latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	recovered := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.lastError = ""
	if len(h.latencies) >= latencyWindowSize {
		h.latencies = h.latencies[1:]
	}
	h.latencies = append(h.latencies, latency)

	h.status = HealthStatusHealthy
	if h.degradedLatency > 0 && h.p95() > h.degradedLatency {
		h.status = HealthStatusDegraded
	}
	return recovered
}

// RecordFailure records a failed cycle and reports whether this failure
// crossed the unhealthy threshold.
func (h *Health) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

// p95 must be called with mu held.
func (h *Health) p95() time.Duration {
	n := len(h.latencies)
	if n < 2 {
		return 0
	}
	sorted := append([]time.Duration(nil), h.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (95*n - 1) / 100
	return sorted[idx]
}

// ConsecutiveFailures is the number of failed cycles since the last success.
func (h *Health) ConsecutiveFailures() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.consecutiveFailures
}

// Snapshot returns a copy safe to serialize.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
	}
}

// HealthSnapshot is a JSON-safe view of Health.
type HealthSnapshot struct {
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}
