package model

import (
	"math"
	"time"
)

// ConfidenceBreakdown decomposes a fusion confidence score into its
// contributing factors, each in [0,1].
type ConfidenceBreakdown struct {
	SourceDiversity   float64 `json:"source_diversity"`
	PriceConsistency  float64 `json:"price_consistency"`
	DataFreshness     float64 `json:"data_freshness"`
	Completeness      float64 `json:"completeness"`
	StockAvailability float64 `json:"stock_availability"`
	Weighted          float64 `json:"weighted"`
}

// BrandOption is a per-brand sub-result surfaced alongside the fused
// price. Additive only; it never affects the primary fused value.
type BrandOption struct {
	Brand        string      `json:"brand"`
	LowestPrice  float64     `json:"lowest_price"`
	AvgPrice     float64     `json:"avg_price"`
	Availability StockStatus `json:"availability"`
	Source       SourceID    `json:"source"`
}

// FusionResult is the fused price for one product. Immutable; a new
// fusion for the same product supersedes it rather than mutating it.
type FusionResult struct {
	ProductKey          string              `json:"product_key"`
	Unit                string              `json:"unit"`
	Currency            string              `json:"currency"`
	FusedPrice          float64             `json:"fused_price"`
	Confidence          ConfidenceBreakdown `json:"confidence"`
	ContributingSources []SourceID          `json:"contributing_sources"`
	OutliersRemoved     int                 `json:"outliers_removed"`
	MinPrice            float64             `json:"min_price"`
	MaxPrice            float64             `json:"max_price"`
	AvgPrice            float64             `json:"avg_price"`
	StockStatus         StockStatus         `json:"stock_status"`
	BrandOptions        []BrandOption       `json:"brand_options,omitempty"`
	ComputedAt          time.Time           `json:"computed_at"`
}

// Round2 rounds to two decimal places, matching the wire contract for
// prices and confidence components.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Rounded returns a copy with all numeric fields rounded to 2 decimals.
func (r FusionResult) Rounded() FusionResult {
	r.FusedPrice = Round2(r.FusedPrice)
	r.MinPrice = Round2(r.MinPrice)
	r.MaxPrice = Round2(r.MaxPrice)
	r.AvgPrice = Round2(r.AvgPrice)
	r.Confidence = ConfidenceBreakdown{
		SourceDiversity:   Round2(r.Confidence.SourceDiversity),
		PriceConsistency:  Round2(r.Confidence.PriceConsistency),
		DataFreshness:     Round2(r.Confidence.DataFreshness),
		Completeness:      Round2(r.Confidence.Completeness),
		StockAvailability: Round2(r.Confidence.StockAvailability),
		Weighted:          Round2(r.Confidence.Weighted),
	}
	for i := range r.BrandOptions {
		r.BrandOptions[i].LowestPrice = Round2(r.BrandOptions[i].LowestPrice)
		r.BrandOptions[i].AvgPrice = Round2(r.BrandOptions[i].AvgPrice)
	}
	return r
}
