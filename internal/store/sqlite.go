package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures
// WAL mode. WAL plus the busy timeout serializes the scheduler's
// concurrent writers at the storage layer.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	source_id     TEXT NOT NULL,
	product_key   TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 5,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 3,
	status        TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','cancelled')),
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	next_retry_at DATETIME,
	result        TEXT,
	error         TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON jobs(source_id);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	category   TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	hit_count  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS validation_outcomes (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL,
	product_key  TEXT NOT NULL,
	quoted_price REAL NOT NULL,
	actual_price REAL NOT NULL,
	deviation    REAL NOT NULL,
	was_accurate INTEGER NOT NULL,
	observed_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_source ON validation_outcomes(source_id, observed_at);

CREATE TABLE IF NOT EXISTS quote_history (
	id                TEXT PRIMARY KEY,
	product_key       TEXT NOT NULL,
	source_id         TEXT NOT NULL,
	unit_price        REAL NOT NULL,
	unit              TEXT NOT NULL,
	currency          TEXT NOT NULL,
	verdict           TEXT NOT NULL,
	reliability_score REAL NOT NULL,
	meta              TEXT,
	observed_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quotes_product ON quote_history(product_key, observed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Jobs

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source_id, product_key, priority, attempts, max_attempts, status, created_at, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.SourceID), job.ProductKey, job.Priority,
		job.Attempts, job.MaxAttempts, string(job.Status), job.CreatedAt, nullTime(job.NextRetryAt),
	)
	return eris.Wrap(err, "sqlite: insert job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, product_key, priority, attempts, max_attempts, status, created_at, next_retry_at, result, error
		 FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT id, source_id, product_key, priority, attempts, max_attempts, status, created_at, next_retry_at, result, error
		 FROM jobs
		 WHERE (status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?))
		    OR (status = 'failed' AND attempts < max_attempts AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
		 ORDER BY priority DESC, created_at ASC
		 LIMIT 1`, now, now)

	job, err := scanJob(row)
	if eris.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'processing', started_at = ?, attempts = attempts + 1, next_retry_at = NULL WHERE id = ?`,
		now, job.ID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim job %s", job.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}

	job.Status = model.JobStatusProcessing
	job.Attempts++
	job.NextRetryAt = nil
	return job, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, result []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', result = ?, error = NULL WHERE id = ? AND status = 'processing'`,
		string(result), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkRowsAffected(res, jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, errMsg string, nextRetryAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = ?, next_retry_at = ? WHERE id = ?`,
		errMsg, nullTime(nextRetryAt), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return checkRowsAffected(res, jobID)
}

func (s *SQLiteStore) DeferJob(ctx context.Context, jobID string, until time.Time) error {
	// The claim already counted an attempt; a circuit-open skip must not.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', started_at = NULL, next_retry_at = ?,
		     attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END
		 WHERE id = ? AND status = 'processing'`,
		until, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: defer job %s", jobID)
	}
	return checkRowsAffected(res, jobID)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled' WHERE id = ? AND status IN ('pending', 'processing')`,
		jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) JobStats(ctx context.Context, sourceID model.SourceID) (model.QueueStats, error) {
	return s.JobStatsSince(ctx, sourceID, time.Time{})
}

func (s *SQLiteStore) JobStatsSince(ctx context.Context, sourceID model.SourceID, since time.Time) (model.QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM jobs`
	var conds []string
	var args []any
	if sourceID != "" {
		conds = append(conds, `source_id = ?`)
		args = append(args, string(sourceID))
	}
	if !since.IsZero() {
		conds = append(conds, `created_at >= ?`)
		args = append(args, since)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.QueueStats{}, eris.Wrap(err, "sqlite: job stats")
	}
	defer rows.Close()

	var stats model.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.QueueStats{}, eris.Wrap(err, "sqlite: scan job stats")
		}
		applyStat(&stats, model.JobStatus(status), count)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: job stats iterate")
}

func (s *SQLiteStore) SweepStalledJobs(ctx context.Context, startedBefore time.Time) (int, error) {
	// Swept jobs become immediately retryable when attempts remain.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = 'job stalled', next_retry_at = ?
		 WHERE status = 'processing' AND (started_at IS NULL OR started_at <= ?)`,
		startedBefore, startedBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: sweep stalled jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) PruneJobs(ctx context.Context, terminalBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < ?`,
		terminalBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Cache entries

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, category, expires_at, created_at, hit_count FROM cache_entries WHERE key = ?`, key)

	var e model.CacheEntry
	var value, category string
	err := row.Scan(&e.Key, &value, &category, &e.ExpiresAt, &e.CreatedAt, &e.HitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	e.Value = json.RawMessage(value)
	e.Category = model.CacheCategory(category)
	return &e, nil
}

func (s *SQLiteStore) SetCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, value, category, expires_at, created_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Key, string(entry.Value), string(entry.Category), entry.ExpiresAt, entry.CreatedAt, entry.HitCount,
	)
	return eris.Wrap(err, "sqlite: set cache entry")
}

func (s *SQLiteStore) TouchCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE key = ?`, key)
	return eris.Wrap(err, "sqlite: touch cache entry")
}

func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return eris.Wrap(err, "sqlite: delete cache entry")
}

func (s *SQLiteStore) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Validation outcomes

func (s *SQLiteStore) AppendOutcome(ctx context.Context, outcome model.ValidationOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validation_outcomes (id, source_id, product_key, quoted_price, actual_price, deviation, was_accurate, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), string(outcome.SourceID), outcome.ProductKey,
		outcome.QuotedPrice, outcome.ActualPrice, outcome.Deviation, outcome.WasAccurate, outcome.ObservedAt,
	)
	return eris.Wrap(err, "sqlite: append outcome")
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, sourceID model.SourceID, since time.Time) ([]model.ValidationOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, product_key, quoted_price, actual_price, deviation, was_accurate, observed_at
		 FROM validation_outcomes
		 WHERE source_id = ? AND observed_at >= ?
		 ORDER BY observed_at DESC`,
		string(sourceID), since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outcomes")
	}
	defer rows.Close()

	var outcomes []model.ValidationOutcome
	for rows.Next() {
		var o model.ValidationOutcome
		var src string
		if err := rows.Scan(&src, &o.ProductKey, &o.QuotedPrice, &o.ActualPrice, &o.Deviation, &o.WasAccurate, &o.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		o.SourceID = model.SourceID(src)
		outcomes = append(outcomes, o)
	}
	return outcomes, eris.Wrap(rows.Err(), "sqlite: list outcomes iterate")
}

func (s *SQLiteStore) PruneOutcomes(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM validation_outcomes WHERE observed_at < ?`, before)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune outcomes")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Quote history

func (s *SQLiteStore) AppendQuote(ctx context.Context, quote model.ValidatedQuote) error {
	metaJSON, err := json.Marshal(quote.Meta)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal quote meta")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quote_history (id, product_key, source_id, unit_price, unit, currency, verdict, reliability_score, meta, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), quote.ProductKey, string(quote.SourceID), quote.UnitPrice,
		quote.Unit, quote.Currency, string(quote.Verdict), quote.ReliabilityScore,
		string(metaJSON), quote.ObservedAt,
	)
	return eris.Wrap(err, "sqlite: append quote")
}

func (s *SQLiteStore) ListQuotes(ctx context.Context, productKey string, since time.Time) ([]model.ValidatedQuote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_key, source_id, unit_price, unit, currency, verdict, reliability_score, meta, observed_at
		 FROM quote_history
		 WHERE product_key = ? AND observed_at >= ?
		 ORDER BY observed_at DESC`,
		productKey, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quotes")
	}
	defer rows.Close()

	var quotes []model.ValidatedQuote
	for rows.Next() {
		var q model.ValidatedQuote
		var src, verdict, metaJSON string
		if err := rows.Scan(&q.ProductKey, &src, &q.UnitPrice, &q.Unit, &q.Currency, &verdict, &q.ReliabilityScore, &metaJSON, &q.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quote")
		}
		q.SourceID = model.SourceID(src)
		q.Verdict = model.Verdict(verdict)
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &q.Meta); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal quote meta")
			}
		}
		quotes = append(quotes, q)
	}
	return quotes, eris.Wrap(rows.Err(), "sqlite: list quotes iterate")
}

func (s *SQLiteStore) PriceHistory(ctx context.Context, productKey string, since time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_price FROM quote_history
		 WHERE product_key = ? AND observed_at >= ?
		 ORDER BY observed_at DESC`,
		productKey, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: price history")
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price")
		}
		prices = append(prices, p)
	}
	return prices, eris.Wrap(rows.Err(), "sqlite: price history iterate")
}

// helpers

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func checkRowsAffected(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrJobNotFound, "id %s", jobID)
	}
	return nil
}

func applyStat(stats *model.QueueStats, status model.JobStatus, count int) {
	switch status {
	case model.JobStatusPending:
		stats.Pending = count
	case model.JobStatusProcessing:
		stats.Processing = count
	case model.JobStatusCompleted:
		stats.Completed = count
	case model.JobStatusFailed:
		stats.Failed = count
	case model.JobStatusCancelled:
		stats.Cancelled = count
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var src, status string
	var nextRetry sql.NullTime
	var result, errMsg sql.NullString

	err := row.Scan(&j.ID, &src, &j.ProductKey, &j.Priority, &j.Attempts, &j.MaxAttempts, &status, &j.CreatedAt, &nextRetry, &result, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan job")
	}

	j.SourceID = model.SourceID(src)
	j.Status = model.JobStatus(status)
	if nextRetry.Valid {
		t := nextRetry.Time
		j.NextRetryAt = &t
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		j.Error = errMsg.String
	}
	return &j, nil
}
