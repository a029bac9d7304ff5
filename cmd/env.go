package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aydarnuman/procheff-v3-sub000/internal/cache"
	"github.com/aydarnuman/procheff-v3-sub000/internal/fusion"
	"github.com/aydarnuman/procheff-v3-sub000/internal/guard"
	"github.com/aydarnuman/procheff-v3-sub000/internal/health"
	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/pipeline"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
	"github.com/aydarnuman/procheff-v3-sub000/internal/scheduler"
	"github.com/aydarnuman/procheff-v3-sub000/internal/source"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
	"github.com/aydarnuman/procheff-v3-sub000/internal/trust"
)

// appEnv holds the wired components shared by the worker, fuse,
// status, and serve commands.
type appEnv struct {
	Store     store.Store
	Health    *health.Monitor
	Sources   *source.Registry
	Trust     *trust.Ledger
	Cache     *cache.Cache
	Collector *pipeline.Collector
	Refresher *pipeline.Refresher
	Scheduler *scheduler.Scheduler
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	default:
		return nil, eris.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// initEnv validates config for the given mode, opens the store, and
// wires the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	mon := health.NewMonitor(resilience.FromBreakerConfig(cfg.Breaker.FailureThreshold, cfg.Breaker.CoolDownSecs))

	reg := source.NewRegistry()
	reg.Register(source.NewHistoryAdapter(st), adapterConfig("db"))
	for _, id := range []model.SourceID{model.SourceTUIK, model.SourceWeb, model.SourceAI} {
		sc := cfg.Sources[string(id)]
		if sc.BaseURL == "" {
			zap.L().Debug("source has no base_url configured, skipping", zap.String("source", string(id)))
			continue
		}
		var opts []source.HTTPOption
		if sc.APIKey != "" {
			opts = append(opts, source.WithAPIKey(sc.APIKey))
		}
		if sc.TimeoutSecs > 0 {
			opts = append(opts, source.WithHTTPClient(&http.Client{
				Timeout: time.Duration(sc.TimeoutSecs) * time.Second,
			}))
		}
		reg.Register(source.NewHTTPAdapter(id, sc.BaseURL, opts...), adapterConfig(string(id)))
	}

	validator := guard.NewValidator(guard.Config{
		MinPrice:     cfg.Guard.MinPrice,
		MaxPrice:     cfg.Guard.MaxPrice,
		SuspectBelow: cfg.Guard.SuspectBelow,
		ConfirmAbove: cfg.Guard.ConfirmAbove,
		MaxAgeDays:   cfg.Guard.MaxAgeDays,
	})

	ledger := trust.NewLedger(st, trustConfig())

	engine := fusion.NewEngine(fusion.Config{
		MinReliability: cfg.Fusion.MinReliability,
	})

	ch := cache.New(st, cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		TTLs: map[model.CacheCategory]time.Duration{
			model.CacheCategoryRetail:     time.Duration(cfg.Cache.RetailTTLMins) * time.Minute,
			model.CacheCategoryStatistics: time.Duration(cfg.Cache.StatisticsTTLMins) * time.Minute,
			model.CacheCategoryFusion:     time.Duration(cfg.Cache.FusionTTLMins) * time.Minute,
		},
		DefaultTTL:       time.Duration(cfg.Cache.DefaultTTLMins) * time.Minute,
		SweepInterval:    time.Duration(cfg.Cache.SweepIntervalMins) * time.Minute,
		RecomputeTimeout: time.Duration(cfg.Cache.RecomputeTimeoutSecs) * time.Second,
	})

	collector := pipeline.NewCollector(st, reg, mon, validator)
	refresher := pipeline.NewRefresher(st, ledger, mon, engine, ch)

	sched := scheduler.New(st, collector, scheduler.Config{
		MaxConcurrency:     cfg.Scheduler.MaxConcurrency,
		PollInterval:       time.Duration(cfg.Scheduler.PollIntervalMillis) * time.Millisecond,
		RetryBaseDelay:     time.Duration(cfg.Scheduler.RetryBaseDelaySecs) * time.Second,
		DeferDelay:         time.Duration(cfg.Scheduler.DeferDelaySecs) * time.Second,
		StallTimeout:       time.Duration(cfg.Scheduler.StallTimeoutSecs) * time.Second,
		SweepInterval:      time.Duration(cfg.Scheduler.SweepIntervalSecs) * time.Second,
		DefaultMaxAttempts: cfg.Scheduler.DefaultMaxAttempts,
		JobRetention:       time.Duration(cfg.Scheduler.JobRetentionDays) * 24 * time.Hour,
		OutcomeRetention:   time.Duration(cfg.Scheduler.OutcomeRetentionDays) * 24 * time.Hour,
		PruneInterval:      time.Duration(cfg.Scheduler.PruneIntervalMins) * time.Minute,
	})

	return &appEnv{
		Store:     st,
		Health:    mon,
		Sources:   reg,
		Trust:     ledger,
		Cache:     ch,
		Collector: collector,
		Refresher: refresher,
		Scheduler: sched,
	}, nil
}

func adapterConfig(id string) source.AdapterConfig {
	ac := source.DefaultAdapterConfig()
	sc, ok := cfg.Sources[id]
	if !ok {
		return ac
	}
	if sc.RequestsPerSecond > 0 {
		ac.RequestsPerSecond = sc.RequestsPerSecond
	}
	if sc.Burst > 0 {
		ac.Burst = sc.Burst
	}
	if sc.TimeoutSecs > 0 {
		ac.Timeout = time.Duration(sc.TimeoutSecs) * time.Second
	}
	// Negative jitter keeps the default fraction.
	ac.Retry = resilience.FromRetryConfig(sc.MaxRetries, sc.RetryBackoffMs, 0, 0, -1)
	return ac
}

func trustConfig() trust.Config {
	tc := trust.DefaultConfig()
	if len(cfg.Trust.BaseWeights) > 0 {
		weights := make(map[model.SourceID]float64, len(cfg.Trust.BaseWeights))
		for id, w := range cfg.Trust.BaseWeights {
			weights[model.SourceID(id)] = w
		}
		tc.BaseWeights = weights
	}
	if cfg.Trust.AccuracyTolerance > 0 {
		tc.AccuracyTolerance = cfg.Trust.AccuracyTolerance
	}
	if cfg.Trust.LookbackDays > 0 {
		tc.Lookback = time.Duration(cfg.Trust.LookbackDays) * 24 * time.Hour
	}
	if cfg.Trust.RecentWindowDays > 0 {
		tc.RecentWindow = time.Duration(cfg.Trust.RecentWindowDays) * 24 * time.Hour
	}
	return tc
}
