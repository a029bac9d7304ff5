package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, cfg)
}

func TestCache_SetAndGet(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "fusion:tavuk-eti", json.RawMessage(`{"p":95.43}`), model.CacheCategoryFusion))

	val, ok, err := c.Get(ctx, "fusion:tavuk-eti")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"p":95.43}`, string(val))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestCache_MissOnUnknownKey(t *testing.T) {
	c := newTestCache(t, DefaultConfig())

	_, ok, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCache_TTLExpiryIsAMiss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTLs = map[model.CacheCategory]time.Duration{
		model.CacheCategoryFusion: time.Second,
	}
	c := newTestCache(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", json.RawMessage(`{"v":1}`), model.CacheCategoryFusion))

	// Simulate the TTL passing instead of sleeping.
	base := time.Now()
	c.nowFunc = func() time.Time { return base.Add(2 * time.Second) }

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_StoreTierSurvivesMemoryLoss(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	ctx := context.Background()
	first := New(st, DefaultConfig())
	require.NoError(t, first.Set(ctx, "k", json.RawMessage(`{"v":1}`), model.CacheCategoryRetail))

	// Fresh cache over the same store: memory tier is empty, the
	// persistent tier still serves the value.
	second := New(st, DefaultConfig())
	val, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(val))
	assert.Equal(t, 1, second.MemoryLen())
}

func TestCache_LRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c := newTestCache(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", json.RawMessage(`1`), model.CacheCategoryRetail))
	require.NoError(t, c.Set(ctx, "b", json.RawMessage(`2`), model.CacheCategoryRetail))

	// Touch "a" so "b" becomes the eviction candidate.
	_, _, err := c.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "c", json.RawMessage(`3`), model.CacheCategoryRetail))

	assert.Equal(t, 2, c.MemoryLen())
	assert.Equal(t, int64(1), c.Stats().Evicted)

	// Evicted from memory only: the store tier still has it.
	val, ok, err := c.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(val))
}

func TestCache_GetOrCompute_MissComputesSynchronously(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	var calls int
	val, err := c.GetOrCompute(ctx, "k", model.CacheCategoryFusion, func(_ context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"fresh":true}`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fresh":true}`, string(val))
	assert.Equal(t, 1, calls)

	// Second call hits the cache.
	_, err = c.GetOrCompute(ctx, "k", model.CacheCategoryFusion, func(_ context.Context) (json.RawMessage, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrCompute_ServesStaleWhileRevalidating(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTLs = map[model.CacheCategory]time.Duration{
		model.CacheCategoryFusion: time.Second,
	}
	c := newTestCache(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", json.RawMessage(`{"v":"old"}`), model.CacheCategoryFusion))

	base := time.Now()
	c.nowFunc = func() time.Time { return base.Add(2 * time.Second) }

	recomputed := make(chan struct{})
	val, err := c.GetOrCompute(ctx, "k", model.CacheCategoryFusion, func(_ context.Context) (json.RawMessage, error) {
		defer close(recomputed)
		return json.RawMessage(`{"v":"new"}`), nil
	})
	require.NoError(t, err)
	// The stale value comes back immediately.
	assert.JSONEq(t, `{"v":"old"}`, string(val))
	assert.Equal(t, int64(1), c.Stats().Stale)

	select {
	case <-recomputed:
	case <-time.After(2 * time.Second):
		t.Fatal("background recompute never ran")
	}

	// Eventually the fresh value lands in both tiers.
	require.Eventually(t, func() bool {
		val, _, found, err := c.lookup(ctx, "k")
		return err == nil && found && string(val) == `{"v":"new"}`
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCache_GetOrCompute_SyncOnStaleRecomputes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTLs = map[model.CacheCategory]time.Duration{
		model.CacheCategoryFusion: time.Second,
	}
	c := newTestCache(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", json.RawMessage(`{"v":"old"}`), model.CacheCategoryFusion))

	base := time.Now()
	c.nowFunc = func() time.Time { return base.Add(2 * time.Second) }

	val, err := c.GetOrCompute(ctx, "k", model.CacheCategoryFusion, func(_ context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"v":"new"}`), nil
	}, SyncOnStale())
	require.NoError(t, err)
	// The caller waits for the recompute instead of getting the stale value.
	assert.JSONEq(t, `{"v":"new"}`, string(val))
	assert.Equal(t, int64(1), c.Stats().Stale)
	assert.Equal(t, int64(0), c.Stats().Misses)

	val, _, found, err := c.lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"v":"new"}`, string(val))
}

func TestCache_Sweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTLs = map[model.CacheCategory]time.Duration{
		model.CacheCategoryRetail: time.Second,
	}
	c := newTestCache(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "dying", json.RawMessage(`1`), model.CacheCategoryRetail))
	require.NoError(t, c.Set(ctx, "living", json.RawMessage(`2`), model.CacheCategoryStatistics))

	base := time.Now()
	c.nowFunc = func() time.Time { return base.Add(2 * time.Second) }

	n, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.MemoryLen())

	_, ok, err := c.Get(ctx, "living")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_CategoryTTLs(t *testing.T) {
	c := newTestCache(t, DefaultConfig())

	assert.Equal(t, 30*time.Minute, c.TTL(model.CacheCategoryRetail))
	assert.Equal(t, 6*time.Hour, c.TTL(model.CacheCategoryStatistics))
	assert.Equal(t, 30*time.Minute, c.TTL(model.CacheCategoryFusion))
	assert.Equal(t, 15*time.Minute, c.TTL(model.CacheCategoryDefault))
}
