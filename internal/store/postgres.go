package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies
// it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source_id     TEXT NOT NULL,
	product_key   TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 5,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 3,
	status        TEXT NOT NULL DEFAULT 'pending',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	next_retry_at TIMESTAMPTZ,
	result        JSONB,
	error         TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON jobs(source_id);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	category   TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	hit_count  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS validation_outcomes (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source_id    TEXT NOT NULL,
	product_key  TEXT NOT NULL,
	quoted_price DOUBLE PRECISION NOT NULL,
	actual_price DOUBLE PRECISION NOT NULL,
	deviation    DOUBLE PRECISION NOT NULL,
	was_accurate BOOLEAN NOT NULL,
	observed_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_source ON validation_outcomes(source_id, observed_at DESC);

CREATE TABLE IF NOT EXISTS quote_history (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	product_key       TEXT NOT NULL,
	source_id         TEXT NOT NULL,
	unit_price        DOUBLE PRECISION NOT NULL,
	unit              TEXT NOT NULL,
	currency          TEXT NOT NULL,
	verdict           TEXT NOT NULL,
	reliability_score DOUBLE PRECISION NOT NULL,
	meta              JSONB,
	observed_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quote_history_product ON quote_history(product_key, observed_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, source_id, product_key, priority, attempts, max_attempts, status, created_at, next_retry_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, string(job.SourceID), job.ProductKey, job.Priority,
		job.Attempts, job.MaxAttempts, string(job.Status), job.CreatedAt, job.NextRetryAt,
	)
	return eris.Wrap(err, "postgres: insert job")
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_id, product_key, priority, attempts, max_attempts, status, created_at, next_retry_at, result, error
		 FROM jobs WHERE id = $1`, jobID)
	return scanJobPG(row)
}

func (s *PostgresStore) ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', started_at = $1, attempts = attempts + 1, next_retry_at = NULL
		 WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $1))
			   OR (status = 'failed' AND attempts < max_attempts AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, source_id, product_key, priority, attempts, max_attempts, status, created_at, next_retry_at, result, error`,
		now)

	job, err := scanJobPG(row)
	if eris.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, result []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', result = $1, error = NULL WHERE id = $2 AND status = 'processing'`,
		result, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobNotFound, "id %s", jobID)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, errMsg string, nextRetryAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $1, next_retry_at = $2 WHERE id = $3`,
		errMsg, nextRetryAt, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobNotFound, "id %s", jobID)
	}
	return nil
}

func (s *PostgresStore) DeferJob(ctx context.Context, jobID string, until time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'pending', started_at = NULL, next_retry_at = $1, attempts = greatest(attempts - 1, 0)
		 WHERE id = $2 AND status = 'processing'`,
		until, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: defer job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobNotFound, "id %s", jobID)
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled' WHERE id = $1 AND status IN ('pending', 'processing')`,
		jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel job %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) JobStats(ctx context.Context, sourceID model.SourceID) (model.QueueStats, error) {
	return s.JobStatsSince(ctx, sourceID, time.Time{})
}

func (s *PostgresStore) JobStatsSince(ctx context.Context, sourceID model.SourceID, since time.Time) (model.QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM jobs`
	var conds []string
	var args []any
	if sourceID != "" {
		args = append(args, string(sourceID))
		conds = append(conds, fmt.Sprintf(`source_id = $%d`, len(args)))
	}
	if !since.IsZero() {
		args = append(args, since)
		conds = append(conds, fmt.Sprintf(`created_at >= $%d`, len(args)))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` GROUP BY status`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return model.QueueStats{}, eris.Wrap(err, "postgres: job stats")
	}
	defer rows.Close()

	var stats model.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.QueueStats{}, eris.Wrap(err, "postgres: scan job stats")
		}
		applyStat(&stats, model.JobStatus(status), count)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: job stats iterate")
}

func (s *PostgresStore) SweepStalledJobs(ctx context.Context, startedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = 'job stalled', next_retry_at = $1
		 WHERE status = 'processing' AND (started_at IS NULL OR started_at <= $1)`,
		startedBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: sweep stalled jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PruneJobs(ctx context.Context, terminalBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1`,
		terminalBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune jobs")
	}
	return int(tag.RowsAffected()), nil
}

// Cache entries

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var value []byte
	var category string

	err := s.pool.QueryRow(ctx,
		`SELECT key, value, category, expires_at, created_at, hit_count FROM cache_entries WHERE key = $1`,
		key,
	).Scan(&e.Key, &value, &category, &e.ExpiresAt, &e.CreatedAt, &e.HitCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	e.Value = json.RawMessage(value)
	e.Category = model.CacheCategory(category)
	return &e, nil
}

func (s *PostgresStore) SetCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, value, category, expires_at, created_at, hit_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET value = $2, category = $3, expires_at = $4, created_at = $5, hit_count = $6`,
		entry.Key, []byte(entry.Value), string(entry.Category), entry.ExpiresAt, entry.CreatedAt, entry.HitCount,
	)
	return eris.Wrap(err, "postgres: set cache entry")
}

func (s *PostgresStore) TouchCacheEntry(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE key = $1`, key)
	return eris.Wrap(err, "postgres: touch cache entry")
}

func (s *PostgresStore) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	return eris.Wrap(err, "postgres: delete cache entry")
}

func (s *PostgresStore) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache entries")
	}
	return int(tag.RowsAffected()), nil
}

// Validation outcomes

func (s *PostgresStore) AppendOutcome(ctx context.Context, outcome model.ValidationOutcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO validation_outcomes (id, source_id, product_key, quoted_price, actual_price, deviation, was_accurate, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), string(outcome.SourceID), outcome.ProductKey,
		outcome.QuotedPrice, outcome.ActualPrice, outcome.Deviation, outcome.WasAccurate, outcome.ObservedAt,
	)
	return eris.Wrap(err, "postgres: append outcome")
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, sourceID model.SourceID, since time.Time) ([]model.ValidationOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, product_key, quoted_price, actual_price, deviation, was_accurate, observed_at
		 FROM validation_outcomes
		 WHERE source_id = $1 AND observed_at >= $2
		 ORDER BY observed_at DESC`,
		string(sourceID), since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outcomes")
	}
	defer rows.Close()

	var outcomes []model.ValidationOutcome
	for rows.Next() {
		var o model.ValidationOutcome
		var src string
		if err := rows.Scan(&src, &o.ProductKey, &o.QuotedPrice, &o.ActualPrice, &o.Deviation, &o.WasAccurate, &o.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		o.SourceID = model.SourceID(src)
		outcomes = append(outcomes, o)
	}
	return outcomes, eris.Wrap(rows.Err(), "postgres: list outcomes iterate")
}

func (s *PostgresStore) PruneOutcomes(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM validation_outcomes WHERE observed_at < $1`, before)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune outcomes")
	}
	return int(tag.RowsAffected()), nil
}

// Quote history

func (s *PostgresStore) AppendQuote(ctx context.Context, quote model.ValidatedQuote) error {
	metaJSON, err := json.Marshal(quote.Meta)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal quote meta")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO quote_history (id, product_key, source_id, unit_price, unit, currency, verdict, reliability_score, meta, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New().String(), quote.ProductKey, string(quote.SourceID), quote.UnitPrice,
		quote.Unit, quote.Currency, string(quote.Verdict), quote.ReliabilityScore,
		metaJSON, quote.ObservedAt,
	)
	return eris.Wrap(err, "postgres: append quote")
}

func (s *PostgresStore) ListQuotes(ctx context.Context, productKey string, since time.Time) ([]model.ValidatedQuote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_key, source_id, unit_price, unit, currency, verdict, reliability_score, meta, observed_at
		 FROM quote_history
		 WHERE product_key = $1 AND observed_at >= $2
		 ORDER BY observed_at DESC`,
		productKey, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quotes")
	}
	defer rows.Close()

	var quotes []model.ValidatedQuote
	for rows.Next() {
		var q model.ValidatedQuote
		var src, verdict string
		var metaJSON []byte
		if err := rows.Scan(&q.ProductKey, &src, &q.UnitPrice, &q.Unit, &q.Currency, &verdict, &q.ReliabilityScore, &metaJSON, &q.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quote")
		}
		q.SourceID = model.SourceID(src)
		q.Verdict = model.Verdict(verdict)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &q.Meta); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal quote meta")
			}
		}
		quotes = append(quotes, q)
	}
	return quotes, eris.Wrap(rows.Err(), "postgres: list quotes iterate")
}

func (s *PostgresStore) PriceHistory(ctx context.Context, productKey string, since time.Time) ([]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT unit_price FROM quote_history
		 WHERE product_key = $1 AND observed_at >= $2
		 ORDER BY observed_at DESC`,
		productKey, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: price history")
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, eris.Wrap(err, "postgres: scan price")
		}
		prices = append(prices, p)
	}
	return prices, eris.Wrap(rows.Err(), "postgres: price history iterate")
}

func scanJobPG(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var src, status string
	var nextRetry *time.Time
	var result []byte
	var errMsg *string

	err := row.Scan(&j.ID, &src, &j.ProductKey, &j.Priority, &j.Attempts, &j.MaxAttempts, &status, &j.CreatedAt, &nextRetry, &result, &errMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan job")
	}

	j.SourceID = model.SourceID(src)
	j.Status = model.JobStatus(status)
	j.NextRetryAt = nextRetry
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	return &j, nil
}
