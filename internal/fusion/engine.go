// Package fusion combines validated quotes from multiple sources into
// a single price with a decomposed confidence score.
package fusion

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
)

// ErrNoReliableData is returned when no quote survives validation and
// outlier rejection.
var ErrNoReliableData = eris.New("no reliable data to fuse")

// Floor for the weight denominator; all-zero weights must not divide
// by zero.
const weightEpsilon = 1e-6

// Config holds the engine tunables.
type Config struct {
	// MinReliability drops quotes scoring below it before fusion.
	// Default: 0.3.
	MinReliability float64 `yaml:"min_reliability" mapstructure:"min_reliability"`

	// MissingTrust is the weight assumed for a source absent from the
	// trust snapshot. Default: 0.05.
	MissingTrust float64 `yaml:"missing_trust" mapstructure:"missing_trust"`
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		MinReliability: 0.3,
		MissingTrust:   0.05,
	}
}

// Engine fuses quotes. It is a pure function of its inputs: trust and
// health snapshots are passed in, never read from live components, so
// fusing the same inputs twice yields the same result.
type Engine struct {
	cfg Config
	log *zap.Logger

	nowFunc func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MinReliability <= 0 {
		cfg.MinReliability = def.MinReliability
	}
	if cfg.MissingTrust <= 0 {
		cfg.MissingTrust = def.MissingTrust
	}
	return &Engine{
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "fusion")),
		nowFunc: time.Now,
	}
}

// Fuse combines the quotes for one product. trust maps each source to
// its learned weight, health to its health multiplier; the effective
// per-quote weight is learned × health × reliability.
func (e *Engine) Fuse(
	productKey, unit, currency string,
	quotes []model.ValidatedQuote,
	trust map[model.SourceID]float64,
	health map[model.SourceID]float64,
) (model.FusionResult, error) {
	eligible := make([]model.ValidatedQuote, 0, len(quotes))
	for _, q := range quotes {
		if q.Verdict == model.VerdictReject {
			continue
		}
		if q.ReliabilityScore < e.cfg.MinReliability {
			continue
		}
		eligible = append(eligible, q)
	}
	if len(eligible) == 0 {
		return model.FusionResult{}, eris.Wrapf(ErrNoReliableData, "product %s", productKey)
	}

	kept, removed := filterOutliers(eligible, func(q model.ValidatedQuote) float64 {
		return q.UnitPrice
	})

	var weightedSum, weightSum float64
	minPrice := kept[0].UnitPrice
	maxPrice := kept[0].UnitPrice
	var priceSum float64
	sources := map[model.SourceID]struct{}{}

	for _, q := range kept {
		w := e.effectiveWeight(q, trust, health)
		weightedSum += w * q.UnitPrice
		weightSum += w

		priceSum += q.UnitPrice
		if q.UnitPrice < minPrice {
			minPrice = q.UnitPrice
		}
		if q.UnitPrice > maxPrice {
			maxPrice = q.UnitPrice
		}
		sources[q.SourceID] = struct{}{}
	}

	if weightSum < weightEpsilon {
		weightSum = weightEpsilon
	}

	now := e.nowFunc()
	result := model.FusionResult{
		ProductKey:          productKey,
		Unit:                unit,
		Currency:            currency,
		FusedPrice:          weightedSum / weightSum,
		Confidence:          buildConfidence(kept, now),
		ContributingSources: sortedSources(sources),
		OutliersRemoved:     len(removed),
		MinPrice:            minPrice,
		MaxPrice:            maxPrice,
		AvgPrice:            priceSum / float64(len(kept)),
		StockStatus:         overallStock(kept),
		BrandOptions:        brandOptions(kept),
		ComputedAt:          now,
	}

	if len(removed) > 0 {
		e.log.Info("outliers removed",
			zap.String("product_key", productKey),
			zap.Int("removed", len(removed)),
			zap.Int("kept", len(kept)),
		)
	}

	return result, nil
}

func (e *Engine) effectiveWeight(q model.ValidatedQuote, trust, health map[model.SourceID]float64) float64 {
	learned, ok := trust[q.SourceID]
	if !ok {
		learned = e.cfg.MissingTrust
	}
	mult, ok := health[q.SourceID]
	if !ok {
		mult = 1.0
	}
	return learned * mult * q.ReliabilityScore
}

func sortedSources(set map[model.SourceID]struct{}) []model.SourceID {
	out := make([]model.SourceID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// brandOptions groups the surviving quotes by brand, cheapest first.
// Quotes without a brand are skipped.
func brandOptions(quotes []model.ValidatedQuote) []model.BrandOption {
	type acc struct {
		lowest model.ValidatedQuote
		sum    float64
		count  int
	}
	byBrand := map[string]*acc{}

	for _, q := range quotes {
		brand := q.Meta.Brand
		if brand == "" {
			continue
		}
		a, ok := byBrand[brand]
		if !ok {
			byBrand[brand] = &acc{lowest: q, sum: q.UnitPrice, count: 1}
			continue
		}
		if q.UnitPrice < a.lowest.UnitPrice {
			a.lowest = q
		}
		a.sum += q.UnitPrice
		a.count++
	}
	if len(byBrand) == 0 {
		return nil
	}

	out := make([]model.BrandOption, 0, len(byBrand))
	for brand, a := range byBrand {
		out = append(out, model.BrandOption{
			Brand:        brand,
			LowestPrice:  a.lowest.UnitPrice,
			AvgPrice:     a.sum / float64(a.count),
			Availability: a.lowest.Meta.StockStatus,
			Source:       a.lowest.SourceID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LowestPrice < out[j].LowestPrice })
	return out
}
