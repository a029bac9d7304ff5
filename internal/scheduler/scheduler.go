// Package scheduler runs the persistent collection job queue: bounded
// concurrency, linear retry backoff, stall detection, and deferral of
// jobs whose source circuit is open.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
)

// Processor executes one claimed job and returns its result payload.
// Returning resilience.ErrCircuitOpen defers the job without burning
// an attempt.
type Processor interface {
	Process(ctx context.Context, job *model.Job) (json.RawMessage, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *model.Job) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Config holds the scheduler tunables.
type Config struct {
	// MaxConcurrency bounds in-flight jobs. Default: 3.
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`

	// PollInterval is the wait between claim attempts when the queue
	// is empty. Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// RetryBaseDelay seeds the linear job backoff: delay = base ×
	// attempts. Default: 30s.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`

	// DeferDelay is how long a circuit-open job stays invisible.
	// Matches the breaker cool-down. Default: 60s.
	DeferDelay time.Duration `yaml:"defer_delay" mapstructure:"defer_delay"`

	// StallTimeout marks a processing job as stalled. Default: 5m.
	StallTimeout time.Duration `yaml:"stall_timeout" mapstructure:"stall_timeout"`

	// SweepInterval is how often stalled jobs are swept. Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	// DefaultMaxAttempts applies to jobs enqueued without one. Default: 3.
	DefaultMaxAttempts int `yaml:"default_max_attempts" mapstructure:"default_max_attempts"`

	// JobRetention keeps terminal jobs queryable before pruning.
	// Default: 7 days.
	JobRetention time.Duration `yaml:"job_retention" mapstructure:"job_retention"`

	// OutcomeRetention bounds the validation outcome log on disk.
	// Matches the trust lookback. Default: 90 days.
	OutcomeRetention time.Duration `yaml:"outcome_retention" mapstructure:"outcome_retention"`

	// PruneInterval is how often retention pruning runs. Default: 1h.
	PruneInterval time.Duration `yaml:"prune_interval" mapstructure:"prune_interval"`
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     3,
		PollInterval:       time.Second,
		RetryBaseDelay:     30 * time.Second,
		DeferDelay:         60 * time.Second,
		StallTimeout:       5 * time.Minute,
		SweepInterval:      time.Minute,
		DefaultMaxAttempts: 3,
		JobRetention:       7 * 24 * time.Hour,
		OutcomeRetention:   90 * 24 * time.Hour,
		PruneInterval:      time.Hour,
	}
}

// Scheduler claims and executes jobs against a Processor.
type Scheduler struct {
	store store.Store
	proc  Processor
	cfg   Config
	log   *zap.Logger

	nowFunc func() time.Time
}

// New creates a Scheduler.
func New(st store.Store, proc Processor, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = def.DeferDelay
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = def.JobRetention
	}
	if cfg.OutcomeRetention <= 0 {
		cfg.OutcomeRetention = def.OutcomeRetention
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	return &Scheduler{
		store:   st,
		proc:    proc,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "scheduler")),
		nowFunc: time.Now,
	}
}

// Enqueue persists a new pending job.
func (s *Scheduler) Enqueue(ctx context.Context, source model.SourceID, productKey string, priority int) (*model.Job, error) {
	job := &model.Job{
		SourceID:    source,
		ProductKey:  model.NormalizeProductKey(productKey),
		Priority:    priority,
		MaxAttempts: s.cfg.DefaultMaxAttempts,
		Status:      model.JobStatusPending,
		CreatedAt:   s.nowFunc().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "scheduler: enqueue")
	}
	s.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("source", string(job.SourceID)),
		zap.String("product_key", job.ProductKey),
		zap.Int("priority", job.Priority),
	)
	return job, nil
}

// Cancel cancels a pending or processing job. Returns false when the
// job is already terminal.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	return s.store.CancelJob(ctx, jobID)
}

// Job returns one job by ID.
func (s *Scheduler) Job(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Stats returns queue counts, optionally filtered by source.
func (s *Scheduler) Stats(ctx context.Context, source model.SourceID) (model.QueueStats, error) {
	return s.store.JobStats(ctx, source)
}

// RunOnce claims and executes at most one eligible job. Returns false
// when the queue had nothing eligible. Used by tests and the CLI
// drain mode.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.store.ClaimNextJob(ctx, s.nowFunc().UTC())
	if err != nil {
		return false, eris.Wrap(err, "scheduler: claim")
	}
	if job == nil {
		return false, nil
	}
	s.execute(ctx, job)
	return true, nil
}

// Run processes jobs until ctx is cancelled. On startup any job left
// in processing by a previous crash is swept back to retryable.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.store.SweepStalledJobs(ctx, s.nowFunc().UTC()); err != nil {
		return eris.Wrap(err, "scheduler: restart sweep")
	} else if n > 0 {
		s.log.Warn("swept jobs left processing by previous run", zap.Int("count", n))
	}
	s.prune(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.sweepLoop(ctx) })
	g.Go(func() error { return s.claimLoop(ctx) })

	err := g.Wait()
	if eris.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) claimLoop(ctx context.Context) error {
	slots := make(chan struct{}, s.cfg.MaxConcurrency)
	var workers errgroup.Group
	defer workers.Wait() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slots <- struct{}{}:
		}

		job, err := s.store.ClaimNextJob(ctx, s.nowFunc().UTC())
		if err != nil {
			<-slots
			s.log.Error("claim failed", zap.Error(err))
			if !sleep(ctx, s.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			<-slots
			if !sleep(ctx, s.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		workers.Go(func() error {
			defer func() { <-slots }()
			s.execute(ctx, job)
			return nil
		})
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	pruner := time.NewTicker(s.cfg.PruneInterval)
	defer pruner.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := s.nowFunc().UTC().Add(-s.cfg.StallTimeout)
			if n, err := s.store.SweepStalledJobs(ctx, cutoff); err != nil {
				s.log.Error("stall sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Warn("swept stalled jobs", zap.Int("count", n))
			}
		case <-pruner.C:
			s.prune(ctx)
		}
	}
}

// prune drops terminal jobs and validation outcomes past retention.
// Quote history is kept: the validator's statistical rules and the
// fusion window both read it, bounded by their own lookbacks.
func (s *Scheduler) prune(ctx context.Context) {
	now := s.nowFunc().UTC()
	if n, err := s.store.PruneJobs(ctx, now.Add(-s.cfg.JobRetention)); err != nil {
		s.log.Error("job prune failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("pruned terminal jobs", zap.Int("count", n))
	}
	if n, err := s.store.PruneOutcomes(ctx, now.Add(-s.cfg.OutcomeRetention)); err != nil {
		s.log.Error("outcome prune failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("pruned validation outcomes", zap.Int("count", n))
	}
}

// execute runs one claimed job through the processor and persists the
// outcome. All transitions are synchronous; a crash between claim and
// outcome leaves the job in processing for the stall sweep.
func (s *Scheduler) execute(ctx context.Context, job *model.Job) {
	log := s.log.With(
		zap.String("job_id", job.ID),
		zap.String("source", string(job.SourceID)),
		zap.String("product_key", job.ProductKey),
		zap.Int("attempt", job.Attempts),
	)

	result, err := s.proc.Process(ctx, job)
	now := s.nowFunc().UTC()

	switch {
	case err == nil:
		if cerr := s.store.CompleteJob(ctx, job.ID, result); cerr != nil {
			log.Error("complete failed", zap.Error(cerr))
			return
		}
		log.Info("job completed")

	case eris.Is(err, resilience.ErrCircuitOpen):
		// The source is tripped; this claim must not cost an attempt.
		until := now.Add(s.cfg.DeferDelay)
		if derr := s.store.DeferJob(ctx, job.ID, until); derr != nil {
			log.Error("defer failed", zap.Error(derr))
			return
		}
		log.Info("job deferred, circuit open", zap.Time("until", until))

	case job.Retryable():
		retryAt := now.Add(s.cfg.RetryBaseDelay * time.Duration(job.Attempts))
		if ferr := s.store.FailJob(ctx, job.ID, err.Error(), &retryAt); ferr != nil {
			log.Error("fail failed", zap.Error(ferr))
			return
		}
		log.Warn("job failed, will retry", zap.Time("retry_at", retryAt), zap.Error(err))

	default:
		if ferr := s.store.FailJob(ctx, job.ID, err.Error(), nil); ferr != nil {
			log.Error("fail failed", zap.Error(ferr))
			return
		}
		log.Error("job failed permanently", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
