package fusion

import (
	"math"
	"time"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
)

// Confidence decomposition weights. Consistency dominates: agreeing
// sources matter more than many sources.
const (
	consistencyWeight  = 0.35
	diversityWeight    = 0.30
	completenessWeight = 0.20
	freshnessWeight    = 0.15

	// Diversity saturates at this many distinct sources.
	targetSources = 3

	// Consistency hits zero at this coefficient of variation.
	maxCV = 0.5

	// A quote older than this no longer counts as fresh.
	freshnessWindow = 30 * 24 * time.Hour

	// Metadata fields counted toward completeness.
	completenessFields = 6
)

// buildConfidence scores the surviving quote set.
func buildConfidence(quotes []model.ValidatedQuote, now time.Time) model.ConfidenceBreakdown {
	bd := model.ConfidenceBreakdown{
		SourceDiversity:   diversityScore(quotes),
		PriceConsistency:  consistencyScore(quotes),
		DataFreshness:     freshnessScore(quotes, now),
		Completeness:      completenessScore(quotes),
		StockAvailability: stockScore(quotes),
	}
	bd.Weighted = bd.PriceConsistency*consistencyWeight +
		bd.SourceDiversity*diversityWeight +
		bd.Completeness*completenessWeight +
		bd.DataFreshness*freshnessWeight
	return bd
}

func diversityScore(quotes []model.ValidatedQuote) float64 {
	distinct := map[model.SourceID]struct{}{}
	for _, q := range quotes {
		distinct[q.SourceID] = struct{}{}
	}
	score := float64(len(distinct)) / targetSources
	if score > 1 {
		return 1
	}
	return score
}

// consistencyScore maps the coefficient of variation linearly onto
// [0,1]: zero spread scores 1, CV at or beyond maxCV scores 0.
func consistencyScore(quotes []model.ValidatedQuote) float64 {
	if len(quotes) < 2 {
		return 1
	}

	var mean float64
	for _, q := range quotes {
		mean += q.UnitPrice
	}
	mean /= float64(len(quotes))
	if mean <= 0 {
		return 0
	}

	var variance float64
	for _, q := range quotes {
		d := q.UnitPrice - mean
		variance += d * d
	}
	variance /= float64(len(quotes))

	cv := math.Sqrt(variance) / mean
	if cv >= maxCV {
		return 0
	}
	return 1 - cv/maxCV
}

func freshnessScore(quotes []model.ValidatedQuote, now time.Time) float64 {
	if len(quotes) == 0 {
		return 0
	}
	fresh := 0
	for _, q := range quotes {
		if now.Sub(q.ObservedAt) <= freshnessWindow {
			fresh++
		}
	}
	return float64(fresh) / float64(len(quotes))
}

func completenessScore(quotes []model.ValidatedQuote) float64 {
	if len(quotes) == 0 {
		return 0
	}
	var total float64
	for _, q := range quotes {
		filled := 0
		if q.UnitPrice > 0 {
			filled++
		}
		if q.Unit != "" {
			filled++
		}
		if q.SourceID != "" {
			filled++
		}
		if !q.ObservedAt.IsZero() {
			filled++
		}
		if q.Meta.Brand != "" {
			filled++
		}
		if q.Meta.Quantity != "" {
			filled++
		}
		total += float64(filled) / completenessFields
	}
	return total / float64(len(quotes))
}

func stockScore(quotes []model.ValidatedQuote) float64 {
	if len(quotes) == 0 {
		return 0
	}
	inStock := 0
	for _, q := range quotes {
		if q.Meta.StockStatus.InStock() {
			inStock++
		}
	}
	return float64(inStock) / float64(len(quotes))
}

// overallStock maps the in-stock fraction to a status.
func overallStock(quotes []model.ValidatedQuote) model.StockStatus {
	score := stockScore(quotes)
	switch {
	case score >= 0.7:
		return model.StockInStock
	case score >= 0.3:
		return model.StockLimited
	default:
		return model.StockOutOfStock
	}
}
