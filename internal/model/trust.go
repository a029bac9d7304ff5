package model

import "time"

// TrustRecord is the learned reliability weight for one source, blended
// from its static base weight and accumulated validation outcomes.
type TrustRecord struct {
	SourceID           SourceID  `json:"source_id"`
	BaseWeight         float64   `json:"base_weight"`
	HistoricalAccuracy float64   `json:"historical_accuracy"`
	RecentAccuracy     float64   `json:"recent_accuracy"`
	LearnedWeight      float64   `json:"learned_weight"`
	SampleCount        int       `json:"sample_count"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ValidationOutcome is one entry of the append-only accuracy log: a
// quoted price compared against a later-observed actual price.
type ValidationOutcome struct {
	SourceID    SourceID  `json:"source_id"`
	ProductKey  string    `json:"product_key"`
	QuotedPrice float64   `json:"quoted_price"`
	ActualPrice float64   `json:"actual_price"`
	Deviation   float64   `json:"deviation"`
	WasAccurate bool      `json:"was_accurate"`
	ObservedAt  time.Time `json:"observed_at"`
}
