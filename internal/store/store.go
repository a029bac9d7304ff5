// Package store persists the job queue, cache tier, quote history, and
// validation outcome log behind one interface with SQLite and Postgres
// implementations.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
)

// ErrJobNotFound is returned when a job ID does not exist.
var ErrJobNotFound = eris.New("job not found")

// Store defines the persistence interface for the price pipeline. All
// job state transitions go through it synchronously so the queue
// survives process restarts.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	// ClaimNextJob atomically selects the next eligible job (pending and
	// visible, or failed and due for retry), marks it processing, and
	// increments its attempt counter. Returns nil when no job is eligible.
	ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error)
	CompleteJob(ctx context.Context, jobID string, result []byte) error
	// FailJob marks the job failed; a non-nil nextRetryAt keeps it
	// eligible for another claim once due.
	FailJob(ctx context.Context, jobID string, errMsg string, nextRetryAt *time.Time) error
	// DeferJob returns a claimed job to pending without counting the
	// claim as an attempt. Used for circuit-open skips.
	DeferJob(ctx context.Context, jobID string, until time.Time) error
	CancelJob(ctx context.Context, jobID string) (bool, error)
	JobStats(ctx context.Context, sourceID model.SourceID) (model.QueueStats, error)
	// JobStatsSince counts only jobs created at or after since. Used
	// for windowed failure-rate monitoring.
	JobStatsSince(ctx context.Context, sourceID model.SourceID, since time.Time) (model.QueueStats, error)
	// SweepStalledJobs fails every job stuck in processing since before
	// the cutoff. Run on startup and periodically.
	SweepStalledJobs(ctx context.Context, startedBefore time.Time) (int, error)
	PruneJobs(ctx context.Context, terminalBefore time.Time) (int, error)

	// Cache entries (persisted tier). GetCacheEntry returns expired
	// entries too; the cache layer decides staleness.
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	SetCacheEntry(ctx context.Context, entry model.CacheEntry) error
	TouchCacheEntry(ctx context.Context, key string) error
	DeleteCacheEntry(ctx context.Context, key string) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int, error)

	// Validation outcome log (append-only, retention-pruned).
	AppendOutcome(ctx context.Context, outcome model.ValidationOutcome) error
	ListOutcomes(ctx context.Context, sourceID model.SourceID, since time.Time) ([]model.ValidationOutcome, error)
	PruneOutcomes(ctx context.Context, before time.Time) (int, error)

	// Quote history: accepted quotes kept for fusion input and for the
	// validator's historical rules.
	AppendQuote(ctx context.Context, quote model.ValidatedQuote) error
	ListQuotes(ctx context.Context, productKey string, since time.Time) ([]model.ValidatedQuote, error)
	PriceHistory(ctx context.Context, productKey string, since time.Time) ([]float64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
