// Package cache is a two-tier cache for fused prices and source data:
// a bounded in-memory LRU in front of the persisted cache_entries
// table. Expired entries are served stale while a background recompute
// refreshes them.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
)

// Config holds the cache tunables.
type Config struct {
	// MaxEntries bounds the in-memory tier. Default: 1000.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`

	// TTLs maps a category to its time-to-live. Missing categories use
	// DefaultTTL.
	TTLs map[model.CacheCategory]time.Duration `yaml:"ttls" mapstructure:"ttls"`

	// DefaultTTL applies to categories without an explicit TTL.
	// Default: 15m.
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`

	// SweepInterval is how often Run purges expired entries from both
	// tiers. Default: 5m.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	// RecomputeTimeout bounds one background revalidation. Default: 30s.
	RecomputeTimeout time.Duration `yaml:"recompute_timeout" mapstructure:"recompute_timeout"`
}

// DefaultConfig returns the production tunables. Retail prices move
// intraday; statistics feeds update far less often.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		TTLs: map[model.CacheCategory]time.Duration{
			model.CacheCategoryRetail:     30 * time.Minute,
			model.CacheCategoryStatistics: 6 * time.Hour,
			model.CacheCategoryFusion:     30 * time.Minute,
		},
		DefaultTTL:       15 * time.Minute,
		SweepInterval:    5 * time.Minute,
		RecomputeTimeout: 30 * time.Second,
	}
}

// Stats counts cache activity since startup.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stale   int64 `json:"stale"`
	Evicted int64 `json:"evicted"`
	Swept   int64 `json:"swept"`
}

type memEntry struct {
	key       string
	value     json.RawMessage
	category  model.CacheCategory
	expiresAt time.Time
}

// Cache is the two-tier cache. Safe for concurrent use.
type Cache struct {
	store store.Store
	cfg   Config
	log   *zap.Logger

	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	refreshMu  sync.Mutex
	refreshing map[string]bool

	hits    atomic.Int64
	misses  atomic.Int64
	stale   atomic.Int64
	evicted atomic.Int64
	swept   atomic.Int64

	nowFunc func() time.Time
}

// New creates a Cache over the given store.
func New(st store.Store, cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.TTLs == nil {
		cfg.TTLs = def.TTLs
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RecomputeTimeout <= 0 {
		cfg.RecomputeTimeout = def.RecomputeTimeout
	}
	return &Cache{
		store:      st,
		cfg:        cfg,
		log:        zap.L().With(zap.String("component", "cache")),
		order:      list.New(),
		entries:    make(map[string]*list.Element),
		refreshing: make(map[string]bool),
		nowFunc:    time.Now,
	}
}

// TTL returns the effective TTL for a category.
func (c *Cache) TTL(category model.CacheCategory) time.Duration {
	if ttl, ok := c.cfg.TTLs[category]; ok {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// Get returns the cached value for key. Expired entries count as
// misses here; use GetOrCompute for stale-while-revalidate semantics.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	value, expired, found, err := c.lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found || expired {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return value, true, nil
}

// lookup checks memory first, then the store, promoting store hits
// into memory. Expired entries are returned with expired=true.
func (c *Cache) lookup(ctx context.Context, key string) (value json.RawMessage, expired, found bool, err error) {
	now := c.nowFunc()

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*memEntry)
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return e.value, now.After(e.expiresAt), true, nil
	}
	c.mu.Unlock()

	entry, err := c.store.GetCacheEntry(ctx, key)
	if err != nil {
		return nil, false, false, eris.Wrap(err, "cache: store lookup")
	}
	if entry == nil {
		return nil, false, false, nil
	}

	c.promote(entry)
	if touchErr := c.store.TouchCacheEntry(ctx, key); touchErr != nil {
		c.log.Warn("touch failed", zap.String("key", key), zap.Error(touchErr))
	}
	return entry.Value, entry.Expired(now), true, nil
}

// Set writes through both tiers using the category TTL.
func (c *Cache) Set(ctx context.Context, key string, value json.RawMessage, category model.CacheCategory) error {
	now := c.nowFunc().UTC()
	entry := model.CacheEntry{
		Key:       key,
		Value:     value,
		Category:  category,
		ExpiresAt: now.Add(c.TTL(category)),
		CreatedAt: now,
	}

	if err := c.store.SetCacheEntry(ctx, entry); err != nil {
		return eris.Wrap(err, "cache: persist entry")
	}
	c.promote(&entry)
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	return eris.Wrap(c.store.DeleteCacheEntry(ctx, key), "cache: delete entry")
}

// ComputeOption adjusts a single GetOrCompute call.
type ComputeOption func(*computeOptions)

type computeOptions struct {
	syncOnStale bool
}

// SyncOnStale makes GetOrCompute recompute a stale entry synchronously
// instead of serving it while refreshing in the background.
func SyncOnStale() ComputeOption {
	return func(o *computeOptions) { o.syncOnStale = true }
}

// GetOrCompute returns the cached value when fresh; serves a stale
// value while recomputing in the background unless SyncOnStale is
// given; computes synchronously on a clean miss.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	key string,
	category model.CacheCategory,
	compute func(ctx context.Context) (json.RawMessage, error),
	opts ...ComputeOption,
) (json.RawMessage, error) {
	var o computeOptions
	for _, opt := range opts {
		opt(&o)
	}

	value, expired, found, err := c.lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	if found && !expired {
		c.hits.Add(1)
		return value, nil
	}

	if found && expired {
		c.stale.Add(1)
		if !o.syncOnStale {
			c.revalidate(key, category, compute)
			return value, nil
		}
	}

	if !found {
		c.misses.Add(1)
	}
	fresh, err := compute(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: compute %s", key)
	}
	if err := c.Set(ctx, key, fresh, category); err != nil {
		return nil, err
	}
	return fresh, nil
}

// revalidate recomputes a stale key in the background, at most one
// in-flight recompute per key.
func (c *Cache) revalidate(key string, category model.CacheCategory, compute func(ctx context.Context) (json.RawMessage, error)) {
	c.refreshMu.Lock()
	if c.refreshing[key] {
		c.refreshMu.Unlock()
		return
	}
	c.refreshing[key] = true
	c.refreshMu.Unlock()

	go func() {
		defer func() {
			c.refreshMu.Lock()
			delete(c.refreshing, key)
			c.refreshMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RecomputeTimeout)
		defer cancel()

		fresh, err := compute(ctx)
		if err != nil {
			c.log.Warn("background recompute failed", zap.String("key", key), zap.Error(err))
			return
		}
		if err := c.Set(ctx, key, fresh, category); err != nil {
			c.log.Warn("background recompute store failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Sweep purges expired entries from both tiers, returning the count
// removed from the persistent tier.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := c.nowFunc()

	c.mu.Lock()
	for key, el := range c.entries {
		if now.After(el.Value.(*memEntry).expiresAt) {
			c.order.Remove(el)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	n, err := c.store.DeleteExpiredCacheEntries(ctx, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "cache: sweep store tier")
	}
	c.swept.Add(int64(n))
	return n, nil
}

// Run sweeps periodically until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := c.Sweep(ctx); err != nil {
				c.log.Warn("sweep failed", zap.Error(err))
			} else if n > 0 {
				c.log.Debug("sweep removed entries", zap.Int("count", n))
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Stale:   c.stale.Load(),
		Evicted: c.evicted.Load(),
		Swept:   c.swept.Load(),
	}
}

// MemoryLen reports the in-memory tier size.
func (c *Cache) MemoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// promote inserts or refreshes an entry in the memory tier, evicting
// the least recently used entry when over capacity.
func (c *Cache) promote(entry *model.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[entry.Key]; ok {
		e := el.Value.(*memEntry)
		e.value = entry.Value
		e.category = entry.Category
		e.expiresAt = entry.ExpiresAt
		c.order.MoveToFront(el)
		return
	}

	c.entries[entry.Key] = c.order.PushFront(&memEntry{
		key:       entry.Key,
		value:     entry.Value,
		category:  entry.Category,
		expiresAt: entry.ExpiresAt,
	})

	for len(c.entries) > c.cfg.MaxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memEntry).key)
		c.evicted.Add(1)
	}
}
