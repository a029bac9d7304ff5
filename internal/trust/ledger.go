// Package trust maintains learned per-source reliability weights from
// the append-only validation outcome log.
package trust

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
)

// Blend factors for the learned weight. Historical accuracy dominates;
// the static base keeps a cold source from swinging wildly.
const (
	baseFactor      = 0.3
	accuracyFactor  = 0.4
	recentFactor    = 0.2
	deviationFactor = 0.1

	// Learned weights are clamped to [minWeight, maxWeight] so no
	// source is ever fully zeroed out of fusion.
	minWeight = 0.05
	maxWeight = 1.0
)

// Config holds the ledger tunables.
type Config struct {
	// BaseWeights are the a-priori per-source weights.
	BaseWeights map[model.SourceID]float64 `yaml:"base_weights" mapstructure:"base_weights"`

	// AccuracyTolerance is the max relative deviation from the actual
	// price for an outcome to count as accurate. Default: 0.15.
	AccuracyTolerance float64 `yaml:"accuracy_tolerance" mapstructure:"accuracy_tolerance"`

	// Lookback bounds the outcome history considered. Default: 90 days.
	Lookback time.Duration `yaml:"lookback" mapstructure:"lookback"`

	// RecentWindow is the sub-window for recent accuracy. Default: 30 days.
	RecentWindow time.Duration `yaml:"recent_window" mapstructure:"recent_window"`
}

// DefaultConfig returns the production tunables. The AI estimator gets
// the highest base weight: it is the primary fallback when retail
// scraping is unavailable.
func DefaultConfig() Config {
	return Config{
		BaseWeights: map[model.SourceID]float64{
			model.SourceTUIK: 0.04,
			model.SourceDB:   0.06,
			model.SourceWeb:  0.04,
			model.SourceAI:   0.16,
		},
		AccuracyTolerance: 0.15,
		Lookback:          90 * 24 * time.Hour,
		RecentWindow:      30 * 24 * time.Hour,
	}
}

// Ledger computes learned trust weights from stored outcomes.
type Ledger struct {
	store store.Store
	cfg   Config
	log   *zap.Logger

	nowFunc func() time.Time
}

// NewLedger creates a Ledger over the given store.
func NewLedger(st store.Store, cfg Config) *Ledger {
	def := DefaultConfig()
	if cfg.BaseWeights == nil {
		cfg.BaseWeights = def.BaseWeights
	}
	if cfg.AccuracyTolerance <= 0 {
		cfg.AccuracyTolerance = def.AccuracyTolerance
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	return &Ledger{
		store:   st,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "trust")),
		nowFunc: time.Now,
	}
}

// BaseWeight returns the configured a-priori weight for a source.
// Unknown sources get the clamp floor.
func (l *Ledger) BaseWeight(source model.SourceID) float64 {
	if w, ok := l.cfg.BaseWeights[source]; ok {
		return w
	}
	return minWeight
}

// RecordOutcome appends one ground-truth comparison to the outcome log.
// Deviation is relative to the actual price; an actual of zero is
// unusable and rejected.
func (l *Ledger) RecordOutcome(ctx context.Context, source model.SourceID, productKey string, quoted, actual float64) error {
	if actual <= 0 {
		return eris.Errorf("trust: actual price must be positive, got %.2f", actual)
	}

	deviation := math.Abs(quoted-actual) / actual
	outcome := model.ValidationOutcome{
		SourceID:    source,
		ProductKey:  productKey,
		QuotedPrice: quoted,
		ActualPrice: actual,
		Deviation:   deviation,
		WasAccurate: deviation <= l.cfg.AccuracyTolerance,
		ObservedAt:  l.nowFunc().UTC(),
	}

	if err := l.store.AppendOutcome(ctx, outcome); err != nil {
		return eris.Wrap(err, "trust: append outcome")
	}

	l.log.Debug("outcome recorded",
		zap.String("source", string(source)),
		zap.String("product_key", productKey),
		zap.Float64("deviation", deviation),
		zap.Bool("accurate", outcome.WasAccurate),
	)
	return nil
}

// TrustFor recomputes the trust record for one source from its outcome
// history inside the lookback window.
func (l *Ledger) TrustFor(ctx context.Context, source model.SourceID) (model.TrustRecord, error) {
	now := l.nowFunc().UTC()
	outcomes, err := l.store.ListOutcomes(ctx, source, now.Add(-l.cfg.Lookback))
	if err != nil {
		return model.TrustRecord{}, eris.Wrapf(err, "trust: list outcomes for %s", source)
	}
	return l.compute(source, outcomes, now), nil
}

// Weights returns the learned weight for each requested source. Used
// by the fusion refresher to take a trust snapshot before fusing.
func (l *Ledger) Weights(ctx context.Context, sources []model.SourceID) (map[model.SourceID]float64, error) {
	weights := make(map[model.SourceID]float64, len(sources))
	for _, src := range sources {
		rec, err := l.TrustFor(ctx, src)
		if err != nil {
			return nil, err
		}
		weights[src] = rec.LearnedWeight
	}
	return weights, nil
}

// Report returns trust records for all configured sources.
func (l *Ledger) Report(ctx context.Context) ([]model.TrustRecord, error) {
	records := make([]model.TrustRecord, 0, len(l.cfg.BaseWeights))
	for src := range l.cfg.BaseWeights {
		rec, err := l.TrustFor(ctx, src)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *Ledger) compute(source model.SourceID, outcomes []model.ValidationOutcome, now time.Time) model.TrustRecord {
	base := l.BaseWeight(source)

	rec := model.TrustRecord{
		SourceID:    source,
		BaseWeight:  base,
		SampleCount: len(outcomes),
		UpdatedAt:   now,
	}

	// With no history the learned weight is exactly the base weight.
	if len(outcomes) == 0 {
		rec.LearnedWeight = base
		return rec
	}

	var accurate int
	var recentTotal, recentAccurate int
	var absDevSum float64
	recentCutoff := now.Add(-l.cfg.RecentWindow)

	for _, o := range outcomes {
		if o.WasAccurate {
			accurate++
		}
		absDevSum += math.Abs(o.Deviation)
		if !o.ObservedAt.Before(recentCutoff) {
			recentTotal++
			if o.WasAccurate {
				recentAccurate++
			}
		}
	}

	accuracy := float64(accurate) / float64(len(outcomes))
	recentAccuracy := accuracy
	if recentTotal > 0 {
		recentAccuracy = float64(recentAccurate) / float64(recentTotal)
	}
	deviationScore := 1 / (1 + absDevSum/float64(len(outcomes)))

	learned := base*baseFactor +
		accuracy*accuracyFactor +
		recentAccuracy*recentFactor +
		deviationScore*deviationFactor

	rec.HistoricalAccuracy = accuracy
	rec.RecentAccuracy = recentAccuracy
	rec.LearnedWeight = clamp(learned, minWeight, maxWeight)
	return rec
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
