// Package monitoring collects operational metrics and raises webhook
// alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/aydarnuman/procheff-v3-sub000/internal/cache"
	"github.com/aydarnuman/procheff-v3-sub000/internal/health"
	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Queue metrics.
	Queue      model.QueueStats `json:"queue"`
	QueueDepth int              `json:"queue_depth"`

	// Failure metrics scoped to the collector's lookback window.
	JobFailRate  float64 `json:"job_fail_rate"`
	JobsFinished int     `json:"jobs_finished"`
	JobsFailed   int     `json:"jobs_failed"`

	// Per-source health.
	Sources []model.SourceHealth `json:"sources"`

	// Cache counters since process start.
	Cache cache.Stats `json:"cache"`

	// Metadata.
	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store, health monitor, and cache.
type Collector struct {
	store    store.Store
	health   *health.Monitor
	cache    *cache.Cache
	lookback time.Duration
}

// NewCollector creates a new metrics collector. A positive lookback
// scopes the failure-rate metric to jobs created inside the window;
// zero means whole history.
func NewCollector(st store.Store, mon *health.Monitor, c *cache.Cache, lookback time.Duration) *Collector {
	return &Collector{store: st, health: mon, cache: c, lookback: lookback}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		CollectedAt: now,
	}

	stats, err := c.store.JobStats(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: job stats")
	}
	snap.Queue = stats
	snap.QueueDepth = stats.Pending + stats.Processing

	windowed := stats
	if c.lookback > 0 {
		windowed, err = c.store.JobStatsSince(ctx, "", now.Add(-c.lookback))
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: windowed job stats")
		}
	}
	snap.JobsFinished = windowed.Completed + windowed.Failed
	snap.JobsFailed = windowed.Failed
	if snap.JobsFinished > 0 {
		snap.JobFailRate = float64(windowed.Failed) / float64(snap.JobsFinished)
	}

	if c.health != nil {
		snap.Sources = c.health.All()
	}
	if c.cache != nil {
		snap.Cache = c.cache.Stats()
	}

	return snap, nil
}
