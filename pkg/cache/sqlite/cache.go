package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatshaper/chatshaper/pkg/models"
)

// Cache is an exact-match response cache backed by SQLite. Entries are keyed
// by the shaped request body, so two requests that trim to the same body
// share an entry.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	request_hash TEXT NOT NULL,
	model TEXT NOT NULL,
	response BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ttl_seconds INTEGER NOT NULL,
	PRIMARY KEY (request_hash, model)
);
`

// timeLayout is how created_at is stored: a form SQLite's date functions
// parse and the driver scans back into time.Time.
const timeLayout = "2006-01-02 15:04:05.999999999"

// expired matches rows older than their TTL at the time bound to the
// placeholder.
const expired = `(julianday(?) - julianday(created_at)) * 86400 > ttl_seconds`

// New creates a Cache with the given database path and default TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// HashRequest computes a SHA-256 hash over the endpoint, the model and the
// shaped request body. Every body field takes part, so requests that differ
// only in sampling parameters or tools get separate entries.
func HashRequest(endpoint, model string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves a cached response. Reports false if not found or expired.
func (c *Cache) Get(ctx context.Context, requestHash, model string) ([]byte, bool) {
	var response []byte
	var createdAt time.Time
	var ttlSeconds int64

	err := c.db.QueryRowContext(ctx,
		`SELECT response, created_at, ttl_seconds FROM cache_entries WHERE request_hash = ? AND model = ?`,
		requestHash, model,
	).Scan(&response, &createdAt, &ttlSeconds)

	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	if c.now().Sub(createdAt) > ttl {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return response, true
}

// Put stores a response in the cache.
func (c *Cache) Put(ctx context.Context, requestHash, model string, response []byte) error {
	if len(response) == 0 {
		return errors.New("cache put: empty response")
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (request_hash, model, response, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?)`,
		requestHash, model, response, c.now().UTC().Format(timeLayout), int64(c.ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics. Hits and misses count lookups
// made through this Cache since it was opened.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	stats := models.CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(response)), 0),
			COALESCE(SUM(CASE WHEN `+expired+` THEN 1 ELSE 0 END), 0)
		 FROM cache_entries`,
		c.cutoff(),
	).Scan(&stats.Entries, &stats.Bytes, &stats.Expired)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

// ModelStats breaks stored entries down by model, largest first.
func (c *Cache) ModelStats(ctx context.Context) ([]models.CacheModelStats, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(LENGTH(response)), 0),
			COALESCE(SUM(CASE WHEN `+expired+` THEN 1 ELSE 0 END), 0)
		 FROM cache_entries GROUP BY model ORDER BY 3 DESC, model`,
		c.cutoff(),
	)
	if err != nil {
		return nil, fmt.Errorf("cache model stats: %w", err)
	}
	defer rows.Close()

	var out []models.CacheModelStats
	for rows.Next() {
		var m models.CacheModelStats
		if err := rows.Scan(&m.Model, &m.Entries, &m.Bytes, &m.Expired); err != nil {
			return nil, fmt.Errorf("scan cache model stats: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Clear removes cache entries and returns how many were deleted. If
// expiredOnly is true, only expired entries are removed. A non-empty model
// limits the deletion to that model's entries.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool, model string) (int64, error) {
	query := `DELETE FROM cache_entries WHERE 1 = 1`
	var args []any
	if expiredOnly {
		query += ` AND ` + expired
		args = append(args, c.cutoff())
	}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (c *Cache) cutoff() string {
	return c.now().UTC().Format(timeLayout)
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
