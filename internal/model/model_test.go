package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeProductKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"tavuk-eti", "tavuk-eti"},
		{"  Tavuk Eti  ", "tavuk-eti"},
		{"Tavuk_Eti", "tavuk-eti"},
		{"tavuk\teti", "tavuk-eti"},
		{"tavuk   eti", "tavuk-eti"},
		// Dotted and dotless I follow Turkish casing rules.
		{"İTHAL HAVYAR", "ithal-havyar"},
		{"PIRASA", "pırasa"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeProductKey(tc.in), "input %q", tc.in)
	}
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 95.43, Round2(95.433333))
	assert.Equal(t, 95.44, Round2(95.436))
	assert.Equal(t, 0.0, Round2(0.004))
	assert.Equal(t, -1.23, Round2(-1.2349))
}

func TestFusionResultRounded(t *testing.T) {
	r := FusionResult{
		FusedPrice: 95.4333333,
		MinPrice:   94.799999,
		MaxPrice:   96.500001,
		AvgPrice:   95.4333333,
		Confidence: ConfidenceBreakdown{
			SourceDiversity:  0.999999,
			PriceConsistency: 0.987654,
			Weighted:         0.912345,
		},
		BrandOptions: []BrandOption{{Brand: "Banvit", LowestPrice: 94.799999, AvgPrice: 95.124999}},
	}

	out := r.Rounded()
	assert.Equal(t, 95.43, out.FusedPrice)
	assert.Equal(t, 94.8, out.MinPrice)
	assert.Equal(t, 96.5, out.MaxPrice)
	assert.Equal(t, 1.0, out.Confidence.SourceDiversity)
	assert.Equal(t, 0.99, out.Confidence.PriceConsistency)
	assert.Equal(t, 0.91, out.Confidence.Weighted)
	assert.Equal(t, 94.8, out.BrandOptions[0].LowestPrice)
	assert.Equal(t, 95.12, out.BrandOptions[0].AvgPrice)
}

func TestJobRetryable(t *testing.T) {
	assert.True(t, Job{Attempts: 2, MaxAttempts: 3}.Retryable())
	assert.False(t, Job{Attempts: 3, MaxAttempts: 3}.Retryable())
	assert.False(t, Job{Attempts: 4, MaxAttempts: 3}.Retryable())
}

func TestQueueStatsTotal(t *testing.T) {
	s := QueueStats{Pending: 1, Processing: 2, Completed: 3, Failed: 4, Cancelled: 5}
	assert.Equal(t, 15, s.Total())
}
