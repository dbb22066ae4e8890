// Package budget keeps an outbound (system prompt, history) pair under a
// token ceiling. Estimation is a cheap deterministic approximation, and
// reduction favours recency: whole messages go oldest first, then the
// surviving older messages lose the head of their text.
package budget

import (
	"go.uber.org/zap"

	"github.com/chatshaper/chatshaper/pkg/models"
)

const (
	// MessageOverhead is the fixed role cost of every message.
	MessageOverhead = 4
	// SystemOverhead is the fixed cost of the system prompt.
	SystemOverhead = 4
	// FormatOverhead is the flat per-message formatting cost added to totals.
	FormatOverhead = 2

	// MinTruncateTokens is the floor a truncated message is shrunk to.
	MinTruncateTokens = 100
	// CharsPerToken converts a token target into a character budget.
	CharsPerToken = 4
	// Ellipsis marks the point where truncated text was cut.
	Ellipsis = "..."

	DefaultContextLimit = 128000
	DefaultSafetyMargin = 0.8
	DefaultMinKeep      = 3
)

// Ceiling returns the request ceiling for a model limit and safety margin.
func Ceiling(contextLimit int, safetyMargin float64) int {
	return int(float64(contextLimit) * safetyMargin)
}

// Options configures a Budgeter. Zero values take the package defaults.
type Options struct {
	Ceiling   int
	MinKeep   int
	Estimator Estimator
	Logger    *zap.Logger
}

// Budgeter estimates and trims conversations. It holds no mutable state and
// is safe for concurrent use.
type Budgeter struct {
	ceiling int
	minKeep int
	est     Estimator
	logger  *zap.Logger
}

// New creates a Budgeter.
func New(opts Options) *Budgeter {
	b := &Budgeter{
		ceiling: opts.Ceiling,
		minKeep: opts.MinKeep,
		est:     opts.Estimator,
		logger:  opts.Logger,
	}
	if b.ceiling <= 0 {
		b.ceiling = Ceiling(DefaultContextLimit, DefaultSafetyMargin)
	}
	if b.minKeep < 1 {
		b.minKeep = DefaultMinKeep
	}
	if b.est == nil {
		b.est = Heuristic{}
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Ceiling returns the configured default ceiling.
func (b *Budgeter) Ceiling() int { return b.ceiling }

// MinKeep returns the number of most recent messages never dropped.
func (b *Budgeter) MinKeep() int { return b.minKeep }

// Estimator returns the token estimator in use.
func (b *Budgeter) Estimator() Estimator { return b.est }

// EstimateTokens counts the tokens of a single string.
func (b *Budgeter) EstimateTokens(text string) int {
	return b.est.CountText(text)
}

// EstimateMessageTokens is the role overhead plus the tokens of every
// text-bearing unit of the message. Non-text parts cost nothing.
func (b *Budgeter) EstimateMessageTokens(m models.Message) int {
	total := MessageOverhead
	for _, ref := range m.TextRefs() {
		total += b.est.CountText(*ref)
	}
	return total
}

// EstimateTotal is the estimated cost of sending systemPrompt and history.
// It is biased towards overcounting.
func (b *Budgeter) EstimateTotal(systemPrompt string, history []models.Message) int {
	total := b.est.CountText(systemPrompt) + SystemOverhead
	for _, m := range history {
		total += b.EstimateMessageTokens(m)
	}
	return total + FormatOverhead*len(history)
}

// TrimResult describes what Trim did.
type TrimResult struct {
	Messages  []models.Message
	Dropped   int
	Truncated int
	Before    int
	After     int
	Ceiling   int
	Fits      bool
}

// Trim reduces history until it fits ceiling; a non-positive ceiling means
// the configured one. Trim consumes history: the returned slice may share
// its backing array and message text may be rewritten in place.
func (b *Budgeter) Trim(history []models.Message, systemPrompt string, ceiling int) []models.Message {
	return b.TrimWithReport(history, systemPrompt, ceiling).Messages
}

// TrimWithReport is Trim with an account of the work done.
//
// Oldest messages are dropped one at a time, re-estimating after each drop,
// until the total fits or only MinKeep messages remain. If it still does not
// fit, every remaining message except the most recent is cut down to its
// tail, oldest first, until enough tokens are freed. The most recent message
// is never modified, so a single oversized final message leaves the result
// over the ceiling; Fits reports that case.
func (b *Budgeter) TrimWithReport(history []models.Message, systemPrompt string, ceiling int) TrimResult {
	if ceiling <= 0 {
		ceiling = b.ceiling
	}
	total := b.EstimateTotal(systemPrompt, history)
	res := TrimResult{Before: total, Ceiling: ceiling}

	if len(history) > b.minKeep && total > ceiling {
		for len(history) > b.minKeep && total > ceiling {
			history = history[1:]
			res.Dropped++
			total = b.EstimateTotal(systemPrompt, history)
		}

		if total > ceiling {
			toRemove := total - ceiling
			removed := 0
			for i := 0; i < len(history)-1 && removed < toRemove; i++ {
				before := b.EstimateMessageTokens(history[i])
				target := max(MinTruncateTokens, before-toRemove+removed) * CharsPerToken
				if !truncateHead(&history[i], target) {
					continue
				}
				removed += before - b.EstimateMessageTokens(history[i])
				res.Truncated++
			}
			total = b.EstimateTotal(systemPrompt, history)
		}

		b.logger.Debug("trimmed history",
			zap.Int("dropped", res.Dropped),
			zap.Int("truncated", res.Truncated),
			zap.Int("before", res.Before),
			zap.Int("after", total),
			zap.Int("ceiling", ceiling))
	}

	res.Messages = history
	res.After = total
	res.Fits = total <= ceiling
	return res
}

// truncateHead shrinks the message's text to maxChars characters: the tail
// of the text behind an Ellipsis marker. Text units are consumed from the
// last to the first, so earlier units empty out before later ones are cut.
// It reports whether the text got shorter.
func truncateHead(m *models.Message, maxChars int) bool {
	refs := m.TextRefs()
	size := 0
	for _, ref := range refs {
		size += len([]rune(*ref))
	}
	if size <= maxChars {
		return false
	}

	remaining := max(0, maxChars-len([]rune(Ellipsis)))
	firstKept := -1
	for i := len(refs) - 1; i >= 0; i-- {
		r := []rune(*refs[i])
		switch {
		case remaining == 0:
			*refs[i] = ""
		case len(r) > remaining:
			*refs[i] = string(r[len(r)-remaining:])
			remaining = 0
			firstKept = i
		default:
			remaining -= len(r)
			if len(r) > 0 {
				firstKept = i
			}
		}
	}
	if firstKept >= 0 {
		*refs[firstKept] = Ellipsis + *refs[firstKept]
	}
	return true
}
