// Package source defines the adapter contract for price sources and a
// registry that wraps adapter calls with rate limiting, timeouts, and
// retries. Concrete scrapers and API clients register themselves here;
// the pipeline only ever talks to the registry.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
)

// ErrUnknownSource is returned when no adapter is registered for a
// source.
var ErrUnknownSource = eris.New("unknown source")

// Adapter fetches one product's current price from one source.
type Adapter interface {
	Source() model.SourceID
	Fetch(ctx context.Context, productKey string) (*model.Quote, error)
}

// AdapterConfig tunes the wrapper around one adapter.
type AdapterConfig struct {
	// RequestsPerSecond throttles calls to the source. Default: 2.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`

	// Burst is the limiter burst size. Default: 1.
	Burst int `yaml:"burst" mapstructure:"burst"`

	// Timeout bounds a single Fetch including retries. Default: 30s.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// Retry is the adapter-level retry policy.
	Retry resilience.RetryConfig `yaml:"-" mapstructure:"-"`
}

// DefaultAdapterConfig returns conservative per-source defaults.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		RequestsPerSecond: 2,
		Burst:             1,
		Timeout:           30 * time.Second,
		Retry:             resilience.DefaultRetryConfig(),
	}
}

type registration struct {
	adapter Adapter
	limiter *rate.Limiter
	cfg     AdapterConfig
}

// Registry holds the registered adapters and their wrappers.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.SourceID]*registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.SourceID]*registration)}
}

// Register adds an adapter. Re-registering a source replaces it.
func (r *Registry) Register(a Adapter, cfg AdapterConfig) {
	def := DefaultAdapterConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Source()] = &registration{
		adapter: a,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

// Sources lists the registered source IDs.
func (r *Registry) Sources() []model.SourceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SourceID, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	return out
}

// Invoke fetches a quote through the source's limiter, timeout, and
// retry policy. The returned latency covers the fetch attempts, not
// the limiter wait; it feeds the health monitor.
func (r *Registry) Invoke(ctx context.Context, source model.SourceID, productKey string) (*model.Quote, time.Duration, error) {
	r.mu.RLock()
	reg, ok := r.adapters[source]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, eris.Wrapf(ErrUnknownSource, "source %s", source)
	}

	if err := reg.limiter.Wait(ctx); err != nil {
		return nil, 0, eris.Wrapf(err, "source %s: rate limiter", source)
	}

	callCtx, cancel := context.WithTimeout(ctx, reg.cfg.Timeout)
	defer cancel()

	retryCfg := reg.cfg.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger(string(source), productKey)
	}

	start := time.Now()
	quote, err := resilience.DoVal(callCtx, retryCfg, func(ctx context.Context) (*model.Quote, error) {
		return reg.adapter.Fetch(ctx, productKey)
	})
	latency := time.Since(start)

	if err != nil {
		return nil, latency, eris.Wrapf(err, "source %s: fetch %s", source, productKey)
	}
	if quote == nil {
		return nil, latency, eris.Errorf("source %s: adapter returned no quote for %s", source, productKey)
	}
	return quote, latency, nil
}
