// Package health tracks per-source availability: rolling success rate,
// latency, and the circuit breaker guarding each source.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
)

// Success-rate thresholds for the status derivation. Below minSamples
// requests the source is assumed healthy: a cold source must not start
// penalized.
const (
	downThreshold     = 0.30
	degradedThreshold = 0.70
	minSamples        = 5
)

// Status multipliers feeding the fusion weight. Healthy sources get a
// boost above 1.0 so that a flawless source outweighs its base trust.
const (
	healthyMultiplier  = 1.2
	degradedMultiplier = 0.8
	downMultiplier     = 0.5
)

type sourceStats struct {
	totalRequests    int
	successCount     int
	avgLatencyMs     float64
	lastError        string
	status           model.HealthStatus
	lastTransitionAt time.Time
}

// Monitor tracks health for all sources and owns their circuit breakers.
type Monitor struct {
	breakers *resilience.SourceBreakers
	log      *zap.Logger

	mu      sync.Mutex
	stats   map[model.SourceID]*sourceStats
	nowFunc func() time.Time
}

// NewMonitor creates a Monitor with one breaker per source, created lazily.
func NewMonitor(breakerCfg resilience.BreakerConfig) *Monitor {
	return &Monitor{
		breakers: resilience.NewSourceBreakers(breakerCfg),
		log:      zap.L().With(zap.String("component", "health")),
		stats:    make(map[model.SourceID]*sourceStats),
		nowFunc:  time.Now,
	}
}

// Breaker returns the circuit breaker for a source.
func (m *Monitor) Breaker(source model.SourceID) *resilience.Breaker {
	return m.breakers.Get(string(source))
}

// IsAvailable reports whether a call to the source may proceed.
// An open circuit whose cool-down elapsed admits a trial call.
func (m *Monitor) IsAvailable(source model.SourceID) bool {
	return m.breakers.Get(string(source)).Allow()
}

// RecordSuccess feeds a successful call and its latency into the monitor.
func (m *Monitor) RecordSuccess(source model.SourceID, latency time.Duration) {
	m.breakers.Get(string(source)).Record(true)
	m.record(source, true, latency, "")
}

// RecordFailure feeds a failed call into the monitor. A source whose
// rolling success rate drops below the down threshold has its circuit
// forced open regardless of consecutive-failure count.
func (m *Monitor) RecordFailure(source model.SourceID, latency time.Duration, err error) {
	b := m.breakers.Get(string(source))
	b.Record(false)

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	status := m.record(source, false, latency, msg)
	if status == model.HealthDown {
		b.Trip()
	}
}

func (m *Monitor) record(source model.SourceID, success bool, latency time.Duration, errMsg string) model.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stats[source]
	if !ok {
		st = &sourceStats{status: model.HealthHealthy, lastTransitionAt: m.nowFunc()}
		m.stats[source] = st
	}

	st.totalRequests++
	if success {
		st.successCount++
	} else {
		st.lastError = errMsg
	}
	// Incremental mean keeps latency tracking O(1) in memory.
	st.avgLatencyMs += (float64(latency.Milliseconds()) - st.avgLatencyMs) / float64(st.totalRequests)

	newStatus := deriveStatus(st.successCount, st.totalRequests)
	if newStatus != st.status {
		m.log.Warn("source status changed",
			zap.String("source", string(source)),
			zap.String("from", string(st.status)),
			zap.String("to", string(newStatus)),
			zap.Float64("success_rate", successRate(st.successCount, st.totalRequests)),
		)
		st.status = newStatus
		st.lastTransitionAt = m.nowFunc()
	}
	return st.status
}

func deriveStatus(successes, total int) model.HealthStatus {
	if total < minSamples {
		return model.HealthHealthy
	}
	rate := successRate(successes, total)
	switch {
	case rate < downThreshold:
		return model.HealthDown
	case rate < degradedThreshold:
		return model.HealthDegraded
	default:
		return model.HealthHealthy
	}
}

func successRate(successes, total int) float64 {
	if total == 0 {
		return 1.0
	}
	return float64(successes) / float64(total)
}

// Multiplier returns the health factor applied to a source's trust
// weight during fusion: the mean of the status multiplier and the
// rolling success rate. An unseen source gets the full healthy factor.
func (m *Monitor) Multiplier(source model.SourceID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stats[source]
	if !ok {
		return (healthyMultiplier + 1.0) / 2
	}
	return (statusMultiplier(st.status) + successRate(st.successCount, st.totalRequests)) / 2
}

func statusMultiplier(status model.HealthStatus) float64 {
	switch status {
	case model.HealthDown:
		return downMultiplier
	case model.HealthDegraded:
		return degradedMultiplier
	default:
		return healthyMultiplier
	}
}

// Snapshot returns the current view of one source.
func (m *Monitor) Snapshot(source model.SourceID) model.SourceHealth {
	b := m.breakers.Get(string(source))
	failures, _ := b.Counters()

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stats[source]
	if !ok {
		return model.SourceHealth{
			SourceID:         source,
			Status:           model.HealthHealthy,
			CircuitState:     b.State().String(),
			SuccessRate:      1.0,
			LastTransitionAt: m.nowFunc(),
		}
	}
	return model.SourceHealth{
		SourceID:            source,
		Status:              st.status,
		CircuitState:        b.State().String(),
		ConsecutiveFailures: failures,
		SuccessRate:         successRate(st.successCount, st.totalRequests),
		AvgLatencyMs:        st.avgLatencyMs,
		TotalRequests:       st.totalRequests,
		LastError:           st.lastError,
		LastTransitionAt:    st.lastTransitionAt,
	}
}

// All returns snapshots for every source seen so far.
func (m *Monitor) All() []model.SourceHealth {
	m.mu.Lock()
	sources := make([]model.SourceID, 0, len(m.stats))
	for id := range m.stats {
		sources = append(sources, id)
	}
	m.mu.Unlock()

	out := make([]model.SourceHealth, 0, len(sources))
	for _, id := range sources {
		out = append(out, m.Snapshot(id))
	}
	return out
}

// Reset clears a source's rolling stats and closes its breaker. Used by
// operators after a known outage is resolved.
func (m *Monitor) Reset(source model.SourceID) {
	m.breakers.Get(string(source)).Reset()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, source)
}
