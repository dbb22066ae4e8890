package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatshaper/chatshaper/pkg/models"
)

// Tracker records shaped upstream calls and answers usage queries.
type Tracker interface {
	// Record stores one upstream call.
	Record(ctx context.Context, rec models.UsageRecord) error
	// QueryByKeyID returns calls made with a credential since a given time.
	QueryByKeyID(ctx context.Context, keyID string, since time.Time) ([]models.UsageRecord, error)
	// TotalByKeyID returns upstream-reported tokens for a credential since a given time.
	TotalByKeyID(ctx context.Context, keyID string, since time.Time) (int64, error)
	// RateLimited counts 429 answers per credential since a given time.
	RateLimited(ctx context.Context, since time.Time) (map[string]int, error)
	// Summary aggregates calls per provider and credential, optionally filtered by provider.
	Summary(ctx context.Context, provider string) ([]models.UsageSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS upstream_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	key_id TEXT NOT NULL,
	model TEXT NOT NULL,
	estimated_tokens INTEGER NOT NULL DEFAULT 0,
	dropped INTEGER NOT NULL DEFAULT 0,
	truncated INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_calls_key_time ON upstream_calls(key_id, created_at);
CREATE INDEX IF NOT EXISTS idx_calls_provider ON upstream_calls(provider);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores one upstream call.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO upstream_calls (request_id, provider, key_id, model, estimated_tokens, dropped, truncated,
			prompt_tokens, completion_tokens, total_tokens, status_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Provider, rec.KeyID, rec.Model, rec.EstimatedTokens, rec.Dropped, rec.Truncated,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.StatusCode, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record upstream call: %w", err)
	}
	return nil
}

// QueryByKeyID returns calls made with a credential since a given time, newest first.
func (t *SQLiteTracker) QueryByKeyID(ctx context.Context, keyID string, since time.Time) ([]models.UsageRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, request_id, provider, key_id, model, estimated_tokens, dropped, truncated,
			prompt_tokens, completion_tokens, total_tokens, status_code, created_at
		 FROM upstream_calls WHERE key_id = ? AND created_at >= ? ORDER BY created_at DESC`,
		keyID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query upstream calls: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Provider, &r.KeyID, &r.Model, &r.EstimatedTokens,
			&r.Dropped, &r.Truncated, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.StatusCode, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upstream call: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalByKeyID returns upstream-reported tokens for a credential since a given time.
func (t *SQLiteTracker) TotalByKeyID(ctx context.Context, keyID string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM upstream_calls WHERE key_id = ? AND created_at >= ?`,
		keyID, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// RateLimited counts 429 answers per credential since a given time.
func (t *SQLiteTracker) RateLimited(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT key_id, COUNT(*) FROM upstream_calls
		 WHERE status_code = 429 AND created_at >= ? GROUP BY key_id`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("rate limited: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var keyID string
		var n int
		if err := rows.Scan(&keyID, &n); err != nil {
			return nil, fmt.Errorf("scan rate limited: %w", err)
		}
		counts[keyID] = n
	}
	return counts, rows.Err()
}

// Summary aggregates calls per provider and credential. Rate-limited calls
// are those the upstream answered with 429.
func (t *SQLiteTracker) Summary(ctx context.Context, provider string) ([]models.UsageSummary, error) {
	query := `SELECT provider, key_id, COUNT(*), COALESCE(SUM(status_code = 429), 0),
			COALESCE(SUM(estimated_tokens), 0), COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		 FROM upstream_calls`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` GROUP BY provider, key_id ORDER BY provider, key_id`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Provider, &s.KeyID, &s.RequestCount, &s.RateLimited, &s.EstimatedTokens,
			&s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
