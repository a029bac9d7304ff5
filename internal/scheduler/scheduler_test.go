package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
)

// recordingProcessor captures processed jobs and replays canned replies.
type recordingProcessor struct {
	mu     sync.Mutex
	keys   []string
	result json.RawMessage
	err    error
}

func (p *recordingProcessor) Process(_ context.Context, job *model.Job) (json.RawMessage, error) {
	p.mu.Lock()
	p.keys = append(p.keys, job.ProductKey)
	p.mu.Unlock()
	return p.result, p.err
}

func (p *recordingProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func newTestScheduler(t *testing.T, proc Processor, cfg Config) (*Scheduler, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, proc, cfg), st
}

func TestScheduler_EnqueueNormalizesAndDefaults(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingProcessor{}, Config{})
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.SourceWeb, "  Tavuk Eti  ", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "tavuk-eti", job.ProductKey)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, model.JobStatusPending, job.Status)

	got, err := s.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ProductKey, got.ProductKey)
}

func TestScheduler_RunOnceCompletesJob(t *testing.T) {
	proc := &recordingProcessor{result: json.RawMessage(`{"price": 95.43}`)}
	s, st := newTestScheduler(t, proc, Config{})
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.SourceWeb, "tavuk-eti", 5)
	require.NoError(t, err)

	ran, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"price": 95.43}`, string(got.Result))
	assert.Equal(t, []string{"tavuk-eti"}, proc.processed())
}

func TestScheduler_RunOnceEmptyQueue(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingProcessor{}, Config{})

	ran, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestScheduler_ProcessesInPriorityOrder(t *testing.T) {
	proc := &recordingProcessor{result: json.RawMessage(`{}`)}
	s, _ := newTestScheduler(t, proc, Config{})
	ctx := context.Background()

	_, err := s.Enqueue(ctx, model.SourceWeb, "low", 1)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, model.SourceWeb, "high", 9)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, model.SourceWeb, "mid", 5)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ran, err := s.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ran)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, proc.processed())
}

func TestScheduler_FailedJobRetriesExactlyMaxAttempts(t *testing.T) {
	proc := &recordingProcessor{err: eris.New("source timeout")}
	s, st := newTestScheduler(t, proc, Config{RetryBaseDelay: time.Minute})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	job, err := s.Enqueue(ctx, model.SourceWeb, "un", 5)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		ran, err := s.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ran, "attempt %d should claim the job", attempt)
		// Jump past the linear backoff so the retry is due.
		base = base.Add(time.Duration(attempt+1) * time.Minute)
	}

	// Attempts are exhausted; nothing left to claim no matter how far
	// the clock advances.
	base = base.Add(24 * time.Hour)
	ran, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.Error, "source timeout")
	assert.Len(t, proc.processed(), 3)
}

func TestScheduler_LinearBackoffDelaysRetry(t *testing.T) {
	proc := &recordingProcessor{err: eris.New("transient")}
	s, st := newTestScheduler(t, proc, Config{RetryBaseDelay: time.Minute})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	job, err := s.Enqueue(ctx, model.SourceWeb, "bulgur", 5)
	require.NoError(t, err)

	ran, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, base.Add(time.Minute), got.NextRetryAt.UTC())

	// One second early: not yet eligible.
	base = base.Add(time.Minute - time.Second)
	ran, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	base = base.Add(time.Second)
	ran, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestScheduler_CircuitOpenDefersWithoutBurningAttempt(t *testing.T) {
	proc := &recordingProcessor{err: resilience.ErrCircuitOpen}
	s, st := newTestScheduler(t, proc, Config{DeferDelay: time.Minute})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	job, err := s.Enqueue(ctx, model.SourceAI, "zeytinyagi", 5)
	require.NoError(t, err)

	ran, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts, "deferred claim must not count as an attempt")
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, base.Add(time.Minute), got.NextRetryAt.UTC())

	// Invisible until the defer window passes.
	ran, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	base = base.Add(2 * time.Minute)
	ran, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestScheduler_SingleAttemptFailureIsTerminal(t *testing.T) {
	proc := &recordingProcessor{err: eris.New("product page gone")}
	s, st := newTestScheduler(t, proc, Config{DefaultMaxAttempts: 1})
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.SourceWeb, "nohut", 5)
	require.NoError(t, err)

	ran, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Nil(t, got.NextRetryAt)
}

func TestScheduler_CancelPendingJob(t *testing.T) {
	s, st := newTestScheduler(t, &recordingProcessor{}, Config{})
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.SourceDB, "mercimek", 5)
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	ran, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestScheduler_StatsBySource(t *testing.T) {
	proc := &recordingProcessor{result: json.RawMessage(`{}`)}
	s, _ := newTestScheduler(t, proc, Config{})
	ctx := context.Background()

	_, err := s.Enqueue(ctx, model.SourceWeb, "a", 5)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, model.SourceWeb, "b", 1)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, model.SourceAI, "c", 5)
	require.NoError(t, err)

	_, err = s.RunOnce(ctx)
	require.NoError(t, err)

	stats, err := s.Stats(ctx, model.SourceWeb)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)

	all, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total())
}

func TestScheduler_RunStopsOnContextCancel(t *testing.T) {
	proc := &recordingProcessor{result: json.RawMessage(`{}`)}
	s, _ := newTestScheduler(t, proc, Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_, err := s.Enqueue(context.Background(), model.SourceWeb, "tavuk-eti", 5)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(proc.processed()) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestScheduler_PruneEnforcesRetention(t *testing.T) {
	proc := &recordingProcessor{result: json.RawMessage(`{"ok":true}`)}
	s, st := newTestScheduler(t, proc, Config{
		JobRetention:     24 * time.Hour,
		OutcomeRetention: 48 * time.Hour,
	})
	ctx := context.Background()

	base := time.Now().UTC()
	s.nowFunc = func() time.Time { return base }

	_, err := s.Enqueue(ctx, model.SourceWeb, "tavuk-eti", 5)
	require.NoError(t, err)
	ran, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	require.NoError(t, st.AppendOutcome(ctx, model.ValidationOutcome{
		SourceID:    model.SourceWeb,
		ProductKey:  "tavuk-eti",
		QuotedPrice: 95,
		ActualPrice: 96,
		WasAccurate: true,
		ObservedAt:  base,
	}))

	// Inside both retention windows nothing is dropped.
	s.nowFunc = func() time.Time { return base.Add(12 * time.Hour) }
	s.prune(ctx)
	stats, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)

	// Past job retention the terminal job goes; the outcome stays.
	s.nowFunc = func() time.Time { return base.Add(25 * time.Hour) }
	s.prune(ctx)
	stats, err = s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total())
	outcomes, err := st.ListOutcomes(ctx, model.SourceWeb, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)

	// Past outcome retention the log empties too.
	s.nowFunc = func() time.Time { return base.Add(49 * time.Hour) }
	s.prune(ctx)
	outcomes, err = st.ListOutcomes(ctx, model.SourceWeb, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestScheduler_PruneSparesNonTerminalJobs(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingProcessor{}, Config{JobRetention: 24 * time.Hour})
	ctx := context.Background()

	base := time.Now().UTC()
	s.nowFunc = func() time.Time { return base }
	_, err := s.Enqueue(ctx, model.SourceWeb, "tavuk-eti", 5)
	require.NoError(t, err)

	// A pending job far older than retention is never pruned.
	s.nowFunc = func() time.Time { return base.Add(30 * 24 * time.Hour) }
	s.prune(ctx)

	stats, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}
