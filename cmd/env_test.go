package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aydarnuman/procheff-v3-sub000/internal/config"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
)

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	old := cfg
	cfg = c
	t.Cleanup(func() { cfg = old })
}

func TestAdapterConfig_AppliesSourceOverrides(t *testing.T) {
	withConfig(t, &config.Config{Sources: config.SourcesConfig{
		"web": {
			RequestsPerSecond: 0.5,
			Burst:             2,
			TimeoutSecs:       45,
			MaxRetries:        5,
			RetryBackoffMs:    250,
		},
	}})

	ac := adapterConfig("web")
	assert.Equal(t, 0.5, ac.RequestsPerSecond)
	assert.Equal(t, 2, ac.Burst)
	assert.Equal(t, 45*time.Second, ac.Timeout)
	assert.Equal(t, 5, ac.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, ac.Retry.InitialBackoff)
	// Unset knobs keep the resilience defaults.
	def := resilience.DefaultRetryConfig()
	assert.Equal(t, def.MaxBackoff, ac.Retry.MaxBackoff)
	assert.Equal(t, def.Multiplier, ac.Retry.Multiplier)
	assert.Equal(t, def.JitterFraction, ac.Retry.JitterFraction)
}

func TestAdapterConfig_UnknownSourceUsesDefaults(t *testing.T) {
	withConfig(t, &config.Config{Sources: config.SourcesConfig{}})

	ac := adapterConfig("tuik")
	def := resilience.DefaultRetryConfig()
	assert.Equal(t, 2.0, ac.RequestsPerSecond)
	assert.Equal(t, 1, ac.Burst)
	assert.Equal(t, 30*time.Second, ac.Timeout)
	assert.Equal(t, def.MaxAttempts, ac.Retry.MaxAttempts)
	assert.Equal(t, def.InitialBackoff, ac.Retry.InitialBackoff)
}

func TestTrustConfig_MapsSourceIDsAndOverrides(t *testing.T) {
	withConfig(t, &config.Config{Trust: config.TrustConfig{
		BaseWeights:       map[string]float64{"web": 0.1, "ai": 0.2},
		AccuracyTolerance: 0.15,
		LookbackDays:      30,
	}})

	tc := trustConfig()
	assert.Equal(t, 0.1, tc.BaseWeights["web"])
	assert.Equal(t, 0.2, tc.BaseWeights["ai"])
	assert.Equal(t, 0.15, tc.AccuracyTolerance)
	assert.Equal(t, 30*24*time.Hour, tc.Lookback)
	// RecentWindow stays at the ledger default when unset.
	assert.Equal(t, 30*24*time.Hour, tc.RecentWindow)
}
