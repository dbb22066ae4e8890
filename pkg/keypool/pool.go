// Package keypool rotates outbound calls across a fixed set of upstream
// credentials and temporarily excludes credentials the upstream rejected.
//
// A Pool is built once at startup and shared by every request handler. A
// single mutex guards the cursor and the exclusion set; no operation holds it
// for longer than a scan of the key list. Exact round-robin fairness is not
// promised under concurrent use, only that the exclusion set stays a subset
// of valid indices and the cursor stays in range.
package keypool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PlaceholderKey stands in for real credentials during a build phase. It is
// never accepted by a real upstream.
const PlaceholderKey = "chatshaper-build-placeholder"

// ErrNoKeys is the cause of every ConfigurationError.
var ErrNoKeys = errors.New("no usable credentials")

// ConfigurationError reports that a pool could not be built because no
// usable credential was supplied outside a build phase. It is fatal at
// startup.
type ConfigurationError struct {
	Source string
}

func (e *ConfigurationError) Error() string {
	if e.Source == "" {
		return "keypool: " + ErrNoKeys.Error()
	}
	return fmt.Sprintf("keypool: %s: %s", e.Source, ErrNoKeys)
}

func (e *ConfigurationError) Unwrap() error { return ErrNoKeys }

// Stats is a read-only snapshot of pool state. CurrentIndex is 1-based.
type Stats struct {
	TotalKeys      int `json:"total_keys"`
	CurrentIndex   int `json:"current_index"`
	ExcludedCount  int `json:"excluded_count"`
	AvailableCount int `json:"available_count"`
}

// Pool hands out credentials round-robin, skipping excluded ones.
type Pool struct {
	mu            sync.Mutex
	keys          []string
	cursor        int
	excluded      map[int]struct{}
	excludedSince time.Time

	source      string
	placeholder bool
	cooldown    time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

type options struct {
	source     string
	buildPhase bool
	cooldown   time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Pool.
type Option func(*options)

// WithSource names where the keys came from, for errors and logs.
func WithSource(name string) Option { return func(o *options) { o.source = name } }

// WithBuildPhase tolerates an empty key list by substituting PlaceholderKey.
func WithBuildPhase(on bool) Option { return func(o *options) { o.buildPhase = on } }

// WithCooldown sets how long an exclusion episode lasts before ResetIfCooled
// re-admits every key. Zero disables automatic recovery.
func WithCooldown(d time.Duration) Option { return func(o *options) { o.cooldown = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLogger sets the logger. Nil means no logging.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// New builds a pool from raw credentials. Blank entries and placeholder
// markers are dropped. An empty result is a *ConfigurationError unless the
// build phase option is set.
func New(raw []string, opts ...Option) (*Pool, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		k = strings.TrimSpace(k)
		if k == "" || IsPlaceholder(k) {
			continue
		}
		keys = append(keys, k)
	}

	p := &Pool{
		keys:     keys,
		excluded: make(map[int]struct{}),
		source:   o.source,
		cooldown: o.cooldown,
		now:      o.now,
		logger:   o.logger.With(zap.String("component", "keypool"), zap.String("source", o.source)),
	}

	if len(keys) == 0 {
		if !o.buildPhase {
			return nil, &ConfigurationError{Source: o.source}
		}
		p.keys = []string{PlaceholderKey}
		p.placeholder = true
		p.logger.Warn("no credentials configured, using build placeholder")
	}
	return p, nil
}

// Next returns the credential for the next outbound call and advances the
// cursor past it. When every key is excluded the exclusions are cleared
// first. Next never blocks and never fails.
func (p *Pool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.keys)
	if n == 1 {
		p.cursor = 0
		return p.keys[0]
	}
	if len(p.excluded) >= n {
		p.logger.Info("all credentials excluded, clearing exclusions")
		p.clearLocked()
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if _, ok := p.excluded[idx]; ok {
			continue
		}
		p.cursor = (idx + 1) % n
		return p.keys[idx]
	}
	return p.keys[0]
}

// ReportFailure excludes the credential returned by the most recent Next
// call. Under concurrent use that may not be the caller's key; exclusion is
// advisory and heals itself, so the approximation is tolerated.
func (p *Pool) ReportFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.keys)
	p.excludeLocked((p.cursor - 1 + n) % n)
}

// ReportKeyFailure excludes a specific credential. Unknown keys are ignored.
func (p *Pool) ReportKeyFailure(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, k := range p.keys {
		if k == key {
			p.excludeLocked(i)
			return
		}
	}
}

// Reset clears every exclusion.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

// ResetIfCooled clears exclusions once the cooldown has elapsed since the
// first exclusion of the current episode. It reports whether it did.
func (p *Pool) ResetIfCooled(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cooldown <= 0 || len(p.excluded) == 0 {
		return false
	}
	if now.Sub(p.excludedSince) < p.cooldown {
		return false
	}
	p.logger.Info("cooldown elapsed, re-admitting credentials",
		zap.Int("excluded", len(p.excluded)),
		zap.Duration("cooldown", p.cooldown))
	p.clearLocked()
	return true
}

// Run calls ResetIfCooled every interval until ctx is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ResetIfCooled(p.now())
		}
	}
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		TotalKeys:      len(p.keys),
		CurrentIndex:   p.cursor + 1,
		ExcludedCount:  len(p.excluded),
		AvailableCount: len(p.keys) - len(p.excluded),
	}
}

// Size returns the number of credentials.
func (p *Pool) Size() int { return len(p.keys) }

// Placeholder reports whether the pool only holds PlaceholderKey.
func (p *Pool) Placeholder() bool { return p.placeholder }

// Fingerprints returns the fingerprint of every credential in pool order.
func (p *Pool) Fingerprints() []string {
	out := make([]string, len(p.keys))
	for i, k := range p.keys {
		out[i] = Fingerprint(k)
	}
	return out
}

func (p *Pool) excludeLocked(idx int) {
	if _, ok := p.excluded[idx]; ok {
		return
	}
	if len(p.excluded) == 0 {
		p.excludedSince = p.now()
	}
	p.excluded[idx] = struct{}{}
	p.logger.Warn("credential excluded",
		zap.String("key_id", Fingerprint(p.keys[idx])),
		zap.Int("excluded", len(p.excluded)),
		zap.Int("total", len(p.keys)))
}

func (p *Pool) clearLocked() {
	clear(p.excluded)
	p.excludedSince = time.Time{}
}

// Fingerprint identifies a credential in logs and storage without revealing
// it: the first 8 hex characters of its SHA-256.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:8]
}
