// Package guard validates incoming quotes against absolute price
// bounds and per-product history before they reach fusion.
package guard

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
)

// Config holds the rule thresholds. Prices are TRY per unit.
type Config struct {
	MinPrice       float64 `yaml:"min_price" mapstructure:"min_price"`
	MaxPrice       float64 `yaml:"max_price" mapstructure:"max_price"`
	SuspectBelow   float64 `yaml:"suspect_below" mapstructure:"suspect_below"`
	ConfirmAbove   float64 `yaml:"confirm_above" mapstructure:"confirm_above"`
	SigmaLimit     float64 `yaml:"sigma_limit" mapstructure:"sigma_limit"`
	MaxDeviation   float64 `yaml:"max_deviation" mapstructure:"max_deviation"`
	MaxAgeDays     int     `yaml:"max_age_days" mapstructure:"max_age_days"`
	MinHistorySize int     `yaml:"min_history_size" mapstructure:"min_history_size"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinPrice:       0.5,
		MaxPrice:       5000,
		SuspectBelow:   2.0,
		ConfirmAbove:   1000,
		SigmaLimit:     3.0,
		MaxDeviation:   1.0,
		MaxAgeDays:     90,
		MinHistorySize: 3,
	}
}

// Violation penalties by action, scaled by severity. Three reject-grade
// hits zero out the score.
const (
	rejectPenalty  = 1.0
	confirmPenalty = 0.3
	warnPenalty    = 0.15

	highMult   = 1.5
	mediumMult = 1.0
	lowMult    = 0.5
)

// Validator applies the rule set to quotes.
type Validator struct {
	cfg Config
	log *zap.Logger
}

// NewValidator creates a Validator. Zero-valued config fields fall back
// to defaults.
func NewValidator(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.MinPrice <= 0 {
		cfg.MinPrice = def.MinPrice
	}
	if cfg.MaxPrice <= 0 {
		cfg.MaxPrice = def.MaxPrice
	}
	if cfg.SuspectBelow <= 0 {
		cfg.SuspectBelow = def.SuspectBelow
	}
	if cfg.ConfirmAbove <= 0 {
		cfg.ConfirmAbove = def.ConfirmAbove
	}
	if cfg.SigmaLimit <= 0 {
		cfg.SigmaLimit = def.SigmaLimit
	}
	if cfg.MaxDeviation <= 0 {
		cfg.MaxDeviation = def.MaxDeviation
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = def.MaxAgeDays
	}
	if cfg.MinHistorySize <= 0 {
		cfg.MinHistorySize = def.MinHistorySize
	}
	return &Validator{
		cfg: cfg,
		log: zap.L().With(zap.String("component", "guard")),
	}
}

// Validate runs every rule against the quote. history holds prior
// accepted prices for the same product key, newest first; statistical
// rules only fire once enough history exists.
func (v *Validator) Validate(quote model.Quote, history []float64) model.ValidatedQuote {
	now := time.Now()
	var violations []model.Violation

	price := quote.UnitPrice

	switch {
	case price <= 0:
		violations = append(violations, model.Violation{
			Rule:     "non_positive_price",
			Severity: model.SeverityHigh,
			Action:   model.ActionReject,
			Message:  fmt.Sprintf("price %.2f is not positive", price),
			Value:    price,
		})
	case price < v.cfg.MinPrice:
		violations = append(violations, model.Violation{
			Rule:     "below_min_price",
			Severity: model.SeverityHigh,
			Action:   model.ActionReject,
			Message:  fmt.Sprintf("price %.2f below minimum %.2f", price, v.cfg.MinPrice),
			Value:    price,
		})
	case price > v.cfg.MaxPrice:
		violations = append(violations, model.Violation{
			Rule:     "above_max_price",
			Severity: model.SeverityHigh,
			Action:   model.ActionReject,
			Message:  fmt.Sprintf("price %.2f above maximum %.2f", price, v.cfg.MaxPrice),
			Value:    price,
		})
	default:
		if price < v.cfg.SuspectBelow {
			violations = append(violations, model.Violation{
				Rule:     "suspiciously_low",
				Severity: model.SeverityMedium,
				Action:   model.ActionWarn,
				Message:  fmt.Sprintf("price %.2f under %.2f looks like a unit mismatch", price, v.cfg.SuspectBelow),
				Value:    price,
			})
		}
		if price > v.cfg.ConfirmAbove {
			violations = append(violations, model.Violation{
				Rule:     "needs_confirmation",
				Severity: model.SeverityMedium,
				Action:   model.ActionConfirm,
				Message:  fmt.Sprintf("price %.2f above %.2f requires manual confirmation", price, v.cfg.ConfirmAbove),
				Value:    price,
			})
		}

		if len(history) >= v.cfg.MinHistorySize {
			mean, stddev := meanStddev(history)
			if stddev > 0 && math.Abs(price-mean) > v.cfg.SigmaLimit*stddev {
				violations = append(violations, model.Violation{
					Rule:     "sigma_outlier",
					Severity: model.SeverityMedium,
					Action:   model.ActionWarn,
					Message:  fmt.Sprintf("price %.2f deviates more than %.0f sigma from history mean %.2f", price, v.cfg.SigmaLimit, mean),
					Value:    price,
				})
			}
			if mean > 0 {
				deviation := math.Abs(price-mean) / mean
				if deviation > v.cfg.MaxDeviation {
					violations = append(violations, model.Violation{
						Rule:     "history_deviation",
						Severity: model.SeverityLow,
						Action:   model.ActionWarn,
						Message:  fmt.Sprintf("price %.2f deviates %.0f%% from history mean %.2f", price, deviation*100, mean),
						Value:    deviation,
					})
				}
			}
		}
	}

	if age := quote.AgeDays(now); age > float64(v.cfg.MaxAgeDays) {
		violations = append(violations, model.Violation{
			Rule:     "stale_observation",
			Severity: model.SeverityLow,
			Action:   model.ActionWarn,
			Message:  fmt.Sprintf("observation is %.0f days old", age),
			Value:    age,
		})
	}

	verdict := verdictFor(violations)
	score := reliabilityScore(violations)

	if verdict == model.VerdictReject {
		v.log.Warn("quote rejected",
			zap.String("product_key", quote.ProductKey),
			zap.String("source", string(quote.SourceID)),
			zap.Float64("price", price),
			zap.Int("violations", len(violations)),
		)
	}

	return model.ValidatedQuote{
		Quote:            quote,
		Verdict:          verdict,
		ReliabilityScore: score,
		Violations:       violations,
	}
}

// ValidateAll validates a batch against the same history.
func (v *Validator) ValidateAll(quotes []model.Quote, history []float64) []model.ValidatedQuote {
	out := make([]model.ValidatedQuote, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, v.Validate(q, history))
	}
	return out
}

// SuggestRange returns the plausible price band (mean ± 2 sigma) for a
// product based on its history. ok is false when history is too thin.
func (v *Validator) SuggestRange(history []float64) (low, high float64, ok bool) {
	if len(history) < v.cfg.MinHistorySize {
		return 0, 0, false
	}
	mean, stddev := meanStddev(history)
	low = mean - 2*stddev
	if low < 0 {
		low = 0
	}
	return low, mean + 2*stddev, true
}

func verdictFor(violations []model.Violation) model.Verdict {
	if len(violations) == 0 {
		return model.VerdictAccept
	}
	for _, viol := range violations {
		if viol.Action == model.ActionReject {
			return model.VerdictReject
		}
	}
	return model.VerdictWarn
}

func reliabilityScore(violations []model.Violation) float64 {
	var penalty float64
	for _, viol := range violations {
		base := warnPenalty
		switch viol.Action {
		case model.ActionReject:
			base = rejectPenalty
		case model.ActionConfirm:
			base = confirmPenalty
		}

		mult := mediumMult
		switch viol.Severity {
		case model.SeverityHigh:
			mult = highMult
		case model.SeverityLow:
			mult = lowMult
		}

		penalty += base * mult
	}

	score := 1 - penalty/3
	if score < 0 {
		return 0
	}
	return score
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
