// Package pipeline wires the collection and fusion stages together:
// the Collector fetches and validates one quote per job, the Refresher
// fuses accepted quotes into a cached price.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aydarnuman/procheff-v3-sub000/internal/guard"
	"github.com/aydarnuman/procheff-v3-sub000/internal/health"
	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
	"github.com/aydarnuman/procheff-v3-sub000/internal/source"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
)

// defaultHistoryWindow bounds the price history fed to the validator's
// statistical rules.
const defaultHistoryWindow = 90 * 24 * time.Hour

// Collector executes one collection job: gate on source health, fetch
// the quote, validate it, and persist it when it survives. It is the
// scheduler's Processor.
type Collector struct {
	store   store.Store
	sources *source.Registry
	health  *health.Monitor
	guard   *guard.Validator
	log     *zap.Logger

	historyWindow time.Duration
	nowFunc       func() time.Time
}

// NewCollector assembles the per-job collection stage.
func NewCollector(st store.Store, reg *source.Registry, mon *health.Monitor, v *guard.Validator) *Collector {
	return &Collector{
		store:         st,
		sources:       reg,
		health:        mon,
		guard:         v,
		log:           zap.L().With(zap.String("component", "collector")),
		historyWindow: defaultHistoryWindow,
		nowFunc:       time.Now,
	}
}

// Process runs one job. A tripped circuit returns
// resilience.ErrCircuitOpen so the scheduler defers instead of burning
// an attempt. Fetch failures count against source health and the job's
// retry budget; a rejected quote is a completed job whose result says
// so.
func (c *Collector) Process(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	if !c.health.IsAvailable(job.SourceID) {
		return nil, eris.Wrapf(resilience.ErrCircuitOpen, "source %s", job.SourceID)
	}

	quote, latency, err := c.sources.Invoke(ctx, job.SourceID, job.ProductKey)
	if err != nil {
		c.health.RecordFailure(job.SourceID, latency, err)
		return nil, eris.Wrapf(err, "collect %s from %s", job.ProductKey, job.SourceID)
	}
	c.health.RecordSuccess(job.SourceID, latency)

	since := c.nowFunc().UTC().Add(-c.historyWindow)
	history, err := c.store.PriceHistory(ctx, job.ProductKey, since)
	if err != nil {
		// Historical rules degrade to absolute bounds only.
		c.log.Warn("price history unavailable",
			zap.String("product_key", job.ProductKey), zap.Error(err))
		history = nil
	}

	validated := c.guard.Validate(*quote, history)

	if validated.Verdict != model.VerdictReject {
		if err := c.store.AppendQuote(ctx, validated); err != nil {
			return nil, eris.Wrap(err, "persist quote")
		}
	}

	c.log.Info("quote collected",
		zap.String("product_key", job.ProductKey),
		zap.String("source", string(job.SourceID)),
		zap.Float64("unit_price", validated.UnitPrice),
		zap.String("verdict", string(validated.Verdict)),
		zap.Float64("reliability", validated.ReliabilityScore),
	)

	result, err := json.Marshal(validated)
	if err != nil {
		return nil, eris.Wrap(err, "encode result")
	}
	return result, nil
}
