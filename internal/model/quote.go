// Package model defines the shared domain types for the price pipeline.
package model

import "time"

// SourceID identifies a price source (retail scraper, statistics feed,
// own-database history, AI estimate).
type SourceID string

// Well-known sources. Adapters may register additional IDs at runtime.
const (
	SourceTUIK SourceID = "tuik"
	SourceDB   SourceID = "db"
	SourceWeb  SourceID = "web"
	SourceAI   SourceID = "ai"
)

// StockStatus describes product availability as reported by a source.
type StockStatus string

const (
	StockInStock    StockStatus = "in_stock"
	StockAvailable  StockStatus = "available"
	StockLimited    StockStatus = "limited"
	StockOutOfStock StockStatus = "out_of_stock"
	StockUnknown    StockStatus = ""
)

// InStock reports whether the status counts as available for scoring.
func (s StockStatus) InStock() bool {
	return s == StockInStock || s == StockAvailable || s == StockUnknown
}

// QuoteMeta carries per-source extras on a quote. It is an explicitly
// typed extension rather than an open key/value bag; Raw holds anything
// a source reports that has no typed field.
type QuoteMeta struct {
	Brand       string            `json:"brand,omitempty"`
	Quantity    string            `json:"quantity,omitempty"`
	StockStatus StockStatus       `json:"stock_status,omitempty"`
	ProductURL  string            `json:"product_url,omitempty"`
	Raw         map[string]string `json:"raw,omitempty"`
}

// Quote is one source's price observation for a product at a point in
// time. Immutable once created.
type Quote struct {
	ProductKey string    `json:"product_key"`
	SourceID   SourceID  `json:"source_id"`
	UnitPrice  float64   `json:"unit_price"`
	Unit       string    `json:"unit"`
	Currency   string    `json:"currency"`
	ObservedAt time.Time `json:"observed_at"`
	Meta       QuoteMeta `json:"meta,omitempty"`
}

// AgeDays returns how old the observation is, in days, relative to now.
func (q Quote) AgeDays(now time.Time) float64 {
	return now.Sub(q.ObservedAt).Hours() / 24
}

// Verdict is the overall outcome of validating a quote.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictWarn   Verdict = "warn"
	VerdictReject Verdict = "reject"
)

// Severity grades a rule violation.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// GuardAction is what a violated rule demands.
type GuardAction string

const (
	ActionReject  GuardAction = "reject"
	ActionWarn    GuardAction = "warn"
	ActionConfirm GuardAction = "confirm"
)

// Violation records one validation rule the quote tripped.
type Violation struct {
	Rule     string      `json:"rule"`
	Severity Severity    `json:"severity"`
	Action   GuardAction `json:"action"`
	Message  string      `json:"message"`
	Value    float64     `json:"value"`
}

// ValidatedQuote is a Quote plus its validation outcome. Quotes with
// verdict reject never reach the fusion engine.
type ValidatedQuote struct {
	Quote
	Verdict          Verdict     `json:"verdict"`
	ReliabilityScore float64     `json:"reliability_score"`
	Violations       []Violation `json:"violations,omitempty"`
}
