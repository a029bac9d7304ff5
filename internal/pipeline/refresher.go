package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aydarnuman/procheff-v3-sub000/internal/cache"
	"github.com/aydarnuman/procheff-v3-sub000/internal/fusion"
	"github.com/aydarnuman/procheff-v3-sub000/internal/health"
	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
	"github.com/aydarnuman/procheff-v3-sub000/internal/trust"
)

// defaultQuoteWindow bounds how far back the refresher gathers quotes
// for fusion. Older observations only dilute freshness.
const defaultQuoteWindow = 7 * 24 * time.Hour

// Refresher computes and caches the fused price for a product from its
// recent validated quotes.
type Refresher struct {
	store  store.Store
	trust  *trust.Ledger
	health *health.Monitor
	engine *fusion.Engine
	cache  *cache.Cache
	log    *zap.Logger

	quoteWindow time.Duration
	nowFunc     func() time.Time
}

// NewRefresher assembles the fusion stage.
func NewRefresher(st store.Store, ledger *trust.Ledger, mon *health.Monitor, eng *fusion.Engine, c *cache.Cache) *Refresher {
	return &Refresher{
		store:       st,
		trust:       ledger,
		health:      mon,
		engine:      eng,
		cache:       c,
		log:         zap.L().With(zap.String("component", "refresher")),
		quoteWindow: defaultQuoteWindow,
		nowFunc:     time.Now,
	}
}

func fusionCacheKey(productKey string) string {
	return "fusion:" + productKey
}

// FusedPrice returns the fused price for a product, served from cache
// when fresh and recomputed otherwise. A stale entry is served
// immediately while the recompute runs in the background, unless
// cache.SyncOnStale is passed.
func (r *Refresher) FusedPrice(ctx context.Context, productKey string, opts ...cache.ComputeOption) (model.FusionResult, error) {
	productKey = model.NormalizeProductKey(productKey)

	raw, err := r.cache.GetOrCompute(ctx, fusionCacheKey(productKey), model.CacheCategoryFusion,
		func(ctx context.Context) (json.RawMessage, error) {
			result, err := r.fuse(ctx, productKey)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		}, opts...)
	if err != nil {
		return model.FusionResult{}, err
	}

	var result model.FusionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.FusionResult{}, eris.Wrapf(err, "decode cached fusion for %s", productKey)
	}
	return result, nil
}

// Refresh forces a recompute and overwrites the cached entry.
func (r *Refresher) Refresh(ctx context.Context, productKey string) (model.FusionResult, error) {
	productKey = model.NormalizeProductKey(productKey)

	result, err := r.fuse(ctx, productKey)
	if err != nil {
		return model.FusionResult{}, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return model.FusionResult{}, eris.Wrap(err, "encode fusion result")
	}
	if err := r.cache.Set(ctx, fusionCacheKey(productKey), raw, model.CacheCategoryFusion); err != nil {
		return model.FusionResult{}, err
	}
	return result, nil
}

// RecordOutcome feeds a confirmed purchase price back into the trust
// ledger and invalidates the product's cached fusion, since the learned
// weights just moved.
func (r *Refresher) RecordOutcome(ctx context.Context, sourceID model.SourceID, productKey string, quoted, actual float64) error {
	productKey = model.NormalizeProductKey(productKey)

	if err := r.trust.RecordOutcome(ctx, sourceID, productKey, quoted, actual); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, fusionCacheKey(productKey)); err != nil {
		r.log.Warn("cache invalidation failed",
			zap.String("product_key", productKey), zap.Error(err))
	}
	return nil
}

func (r *Refresher) fuse(ctx context.Context, productKey string) (model.FusionResult, error) {
	since := r.nowFunc().UTC().Add(-r.quoteWindow)
	quotes, err := r.store.ListQuotes(ctx, productKey, since)
	if err != nil {
		return model.FusionResult{}, eris.Wrapf(err, "load quotes for %s", productKey)
	}

	seen := make(map[model.SourceID]struct{}, len(quotes))
	sources := make([]model.SourceID, 0, len(quotes))
	for _, q := range quotes {
		if _, ok := seen[q.SourceID]; ok {
			continue
		}
		seen[q.SourceID] = struct{}{}
		sources = append(sources, q.SourceID)
	}

	weights, err := r.trust.Weights(ctx, sources)
	if err != nil {
		return model.FusionResult{}, eris.Wrap(err, "load trust weights")
	}
	multipliers := make(map[model.SourceID]float64, len(sources))
	for _, s := range sources {
		multipliers[s] = r.health.Multiplier(s)
	}

	result, err := r.engine.Fuse(productKey, unitOf(quotes), currencyOf(quotes), quotes, weights, multipliers)
	if err != nil {
		return model.FusionResult{}, err
	}
	return result.Rounded(), nil
}

// unitOf and currencyOf take the most recent non-empty value; quotes
// arrive newest first from the store.
func unitOf(quotes []model.ValidatedQuote) string {
	for _, q := range quotes {
		if q.Unit != "" {
			return q.Unit
		}
	}
	return ""
}

func currencyOf(quotes []model.ValidatedQuote) string {
	for _, q := range quotes {
		if q.Currency != "" {
			return q.Currency
		}
	}
	return "TRY"
}
