package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
)

type fakeAdapter struct {
	id    model.SourceID
	fetch func(ctx context.Context, productKey string) (*model.Quote, error)
}

func (f *fakeAdapter) Source() model.SourceID { return f.id }

func (f *fakeAdapter) Fetch(ctx context.Context, productKey string) (*model.Quote, error) {
	return f.fetch(ctx, productKey)
}

func fastCfg() AdapterConfig {
	cfg := DefaultAdapterConfig()
	cfg.RequestsPerSecond = 1000
	cfg.Retry = resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
	return cfg
}

func TestRegistry_InvokeReturnsQuote(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{
		id: model.SourceWeb,
		fetch: func(_ context.Context, productKey string) (*model.Quote, error) {
			return &model.Quote{
				ProductKey: productKey,
				SourceID:   model.SourceWeb,
				UnitPrice:  95.0,
				Unit:       "kg",
				Currency:   "TRY",
				ObservedAt: time.Now(),
			}, nil
		},
	}, fastCfg())

	quote, latency, err := r.Invoke(context.Background(), model.SourceWeb, "tavuk-eti")
	require.NoError(t, err)
	assert.Equal(t, 95.0, quote.UnitPrice)
	assert.Equal(t, "tavuk-eti", quote.ProductKey)
	assert.GreaterOrEqual(t, latency, time.Duration(0))
}

func TestRegistry_UnknownSource(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.Invoke(context.Background(), model.SourceAI, "tavuk-eti")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnknownSource))
}

func TestRegistry_RetriesTransientFailures(t *testing.T) {
	var calls int
	r := NewRegistry()
	r.Register(&fakeAdapter{
		id: model.SourceWeb,
		fetch: func(_ context.Context, productKey string) (*model.Quote, error) {
			calls++
			if calls < 3 {
				return nil, resilience.NewSourceError(resilience.CodeTransient, errors.New("flaky"))
			}
			return &model.Quote{ProductKey: productKey, SourceID: model.SourceWeb, UnitPrice: 10}, nil
		},
	}, fastCfg())

	quote, _, err := r.Invoke(context.Background(), model.SourceWeb, "tavuk-eti")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 10.0, quote.UnitPrice)
}

func TestRegistry_FatalErrorFailsFast(t *testing.T) {
	var calls int
	r := NewRegistry()
	r.Register(&fakeAdapter{
		id: model.SourceWeb,
		fetch: func(context.Context, string) (*model.Quote, error) {
			calls++
			return nil, resilience.NewSourceError(resilience.CodeNotFound, errors.New("no such product"))
		},
	}, fastCfg())

	_, _, err := r.Invoke(context.Background(), model.SourceWeb, "yok-boyle-urun")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, resilience.CodeNotFound, resilience.CodeOf(err))
}

func TestRegistry_RateLimiterThrottles(t *testing.T) {
	cfg := fastCfg()
	cfg.RequestsPerSecond = 20
	cfg.Burst = 1

	r := NewRegistry()
	r.Register(&fakeAdapter{
		id: model.SourceWeb,
		fetch: func(context.Context, string) (*model.Quote, error) {
			return &model.Quote{SourceID: model.SourceWeb, UnitPrice: 1}, nil
		},
	}, cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, _, err := r.Invoke(context.Background(), model.SourceWeb, "x")
		require.NoError(t, err)
	}
	// 3 calls at 20 rps with burst 1 need at least ~100ms.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRegistry_Sources(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{id: model.SourceWeb, fetch: nil}, fastCfg())
	r.Register(&fakeAdapter{id: model.SourceAI, fetch: nil}, fastCfg())

	sources := r.Sources()
	assert.ElementsMatch(t, []model.SourceID{model.SourceWeb, model.SourceAI}, sources)
}
