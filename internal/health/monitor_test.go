package health

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
)

func newTestMonitor() *Monitor {
	return NewMonitor(resilience.BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         time.Minute,
	})
}

func TestMonitor_ColdSourceIsHealthyAndAvailable(t *testing.T) {
	m := newTestMonitor()

	assert.True(t, m.IsAvailable(model.SourceWeb))

	snap := m.Snapshot(model.SourceWeb)
	assert.Equal(t, model.HealthHealthy, snap.Status)
	assert.Equal(t, 1.0, snap.SuccessRate)
	assert.Equal(t, "closed", snap.CircuitState)
}

func TestMonitor_SuccessRateAndLatencyTracking(t *testing.T) {
	m := newTestMonitor()

	m.RecordSuccess(model.SourceWeb, 100*time.Millisecond)
	m.RecordSuccess(model.SourceWeb, 200*time.Millisecond)
	m.RecordSuccess(model.SourceWeb, 300*time.Millisecond)
	m.RecordFailure(model.SourceWeb, 400*time.Millisecond, errors.New("timeout"))

	snap := m.Snapshot(model.SourceWeb)
	assert.Equal(t, 4, snap.TotalRequests)
	assert.InDelta(t, 0.75, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 250.0, snap.AvgLatencyMs, 1e-9)
	assert.Equal(t, "timeout", snap.LastError)
}

func TestMonitor_StatusStaysHealthyBelowMinSamples(t *testing.T) {
	m := newTestMonitor()

	// 4 straight failures, under the sample floor: still healthy.
	for i := 0; i < 4; i++ {
		m.RecordFailure(model.SourceAI, time.Millisecond, errors.New("boom"))
	}
	assert.Equal(t, model.HealthHealthy, m.Snapshot(model.SourceAI).Status)
}

func TestMonitor_DegradedAndDownThresholds(t *testing.T) {
	m := newTestMonitor()

	// 6/10 successes: 60% puts the source in degraded.
	for i := 0; i < 6; i++ {
		m.RecordSuccess(model.SourceWeb, time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		m.RecordFailure(model.SourceWeb, time.Millisecond, errors.New("boom"))
	}
	assert.Equal(t, model.HealthDegraded, m.Snapshot(model.SourceWeb).Status)

	// 2/10 successes: 20% puts the source down.
	for i := 0; i < 2; i++ {
		m.RecordSuccess(model.SourceDB, time.Millisecond)
	}
	for i := 0; i < 8; i++ {
		m.RecordFailure(model.SourceDB, time.Millisecond, errors.New("boom"))
	}
	assert.Equal(t, model.HealthDown, m.Snapshot(model.SourceDB).Status)
}

func TestMonitor_DownSourceTripsCircuit(t *testing.T) {
	m := NewMonitor(resilience.BreakerConfig{
		// High threshold so consecutive failures alone cannot open it.
		FailureThreshold: 100,
		CoolDown:         time.Minute,
	})

	m.RecordSuccess(model.SourceWeb, time.Millisecond)
	for i := 0; i < 9; i++ {
		m.RecordFailure(model.SourceWeb, time.Millisecond, errors.New("boom"))
	}

	snap := m.Snapshot(model.SourceWeb)
	require.Equal(t, model.HealthDown, snap.Status)
	assert.Equal(t, "open", snap.CircuitState)
	assert.False(t, m.IsAvailable(model.SourceWeb))
}

func TestMonitor_Multiplier(t *testing.T) {
	m := newTestMonitor()

	// Unseen source: (1.2 + 1.0) / 2.
	assert.InDelta(t, 1.1, m.Multiplier(model.SourceTUIK), 1e-9)

	// Healthy at 100%: same ceiling.
	for i := 0; i < 10; i++ {
		m.RecordSuccess(model.SourceWeb, time.Millisecond)
	}
	assert.InDelta(t, 1.1, m.Multiplier(model.SourceWeb), 1e-9)

	// Degraded at 60%: (0.8 + 0.6) / 2 = 0.7.
	for i := 0; i < 6; i++ {
		m.RecordSuccess(model.SourceAI, time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		m.RecordFailure(model.SourceAI, time.Millisecond, errors.New("boom"))
	}
	assert.InDelta(t, 0.7, m.Multiplier(model.SourceAI), 1e-9)

	// Down at 20%: (0.5 + 0.2) / 2 = 0.35.
	for i := 0; i < 2; i++ {
		m.RecordSuccess(model.SourceDB, time.Millisecond)
	}
	for i := 0; i < 8; i++ {
		m.RecordFailure(model.SourceDB, time.Millisecond, errors.New("boom"))
	}
	assert.InDelta(t, 0.35, m.Multiplier(model.SourceDB), 1e-9)
}

func TestMonitor_ResetClearsStatsAndCloses(t *testing.T) {
	m := newTestMonitor()

	for i := 0; i < 10; i++ {
		m.RecordFailure(model.SourceWeb, time.Millisecond, errors.New("boom"))
	}
	require.False(t, m.IsAvailable(model.SourceWeb))

	m.Reset(model.SourceWeb)

	assert.True(t, m.IsAvailable(model.SourceWeb))
	snap := m.Snapshot(model.SourceWeb)
	assert.Equal(t, model.HealthHealthy, snap.Status)
	assert.Equal(t, 0, snap.TotalRequests)
}

func TestMonitor_AllListsSeenSources(t *testing.T) {
	m := newTestMonitor()

	m.RecordSuccess(model.SourceWeb, time.Millisecond)
	m.RecordSuccess(model.SourceAI, time.Millisecond)

	all := m.All()
	require.Len(t, all, 2)

	seen := map[model.SourceID]bool{}
	for _, h := range all {
		seen[h.SourceID] = true
		assert.False(t, math.IsNaN(h.SuccessRate))
	}
	assert.True(t, seen[model.SourceWeb])
	assert.True(t, seen[model.SourceAI])
}
