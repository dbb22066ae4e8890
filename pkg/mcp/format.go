package mcp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chatshaper/chatshaper/pkg/budget"
	"github.com/chatshaper/chatshaper/pkg/models"
)

func formatTrimResult(estimator string, messages int, res budget.TrimResult, trimmed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Estimator: %s\n", estimator)
	fmt.Fprintf(&b, "Messages:  %d\n", messages)
	fmt.Fprintf(&b, "Estimated: %d\n", res.Before)
	fmt.Fprintf(&b, "Ceiling:   %d\n", res.Ceiling)
	if !trimmed {
		fmt.Fprintf(&b, "Fits:      %t\n", res.Before <= res.Ceiling)
		return b.String()
	}
	fmt.Fprintf(&b, "Dropped:   %d\n", res.Dropped)
	fmt.Fprintf(&b, "Truncated: %d\n", res.Truncated)
	fmt.Fprintf(&b, "After:     %d\n", res.After)
	fmt.Fprintf(&b, "Fits:      %t\n", res.Fits)
	return b.String()
}

func formatPools(rows []poolRow, live bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %6s %8s %9s %10s  %s\n",
		"Provider", "Keys", "Current", "Excluded", "Available", "Fingerprints")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, r := range rows {
		fps := strings.Join(r.fingerprints, ",")
		switch {
		case r.placeholder:
			fps = "(build placeholder)"
		case fps == "":
			fps = "-"
		}
		current, excluded, available := "-", "-", "-"
		if r.stats != nil {
			current = strconv.Itoa(r.stats.CurrentIndex)
			excluded = strconv.Itoa(r.stats.ExcludedCount)
			available = strconv.Itoa(r.stats.AvailableCount)
		}
		fmt.Fprintf(&b, "%-16s %6d %8s %9s %10s  %s\n",
			r.provider, r.keys, current, excluded, available, fps)
	}
	if !live {
		b.WriteString("\nLive pool status unavailable: no proxy address configured.\n")
	}
	return b.String()
}

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-10s %8s %6s %10s %10s %10s\n",
		"Provider", "Key ID", "Requests", "429s", "Estimated", "Prompt", "Total")
	b.WriteString(strings.Repeat("-", 78) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-16s %-10s %8d %6d %10d %10d %10d\n",
			r.Provider, r.KeyID, r.RequestCount, r.RateLimited, r.EstimatedTokens, r.TotalPrompt, r.TotalTokens)
	}
	return b.String()
}

func formatKeyCalls(keyID string, records []models.UsageRecord, total int64) string {
	if len(records) == 0 {
		return fmt.Sprintf("No calls for key %s.", keyID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Key %s: %d calls, %d tokens\n", keyID, len(records), total)
	fmt.Fprintf(&b, "%-20s %-16s %-20s %6s %9s %7s %9s\n",
		"Time", "Provider", "Model", "Status", "Estimated", "Dropped", "Truncated")
	b.WriteString(strings.Repeat("-", 94) + "\n")
	for _, r := range records {
		fmt.Fprintf(&b, "%-20s %-16s %-20s %6d %9d %7d %9d\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.Provider, r.Model,
			r.StatusCode, r.EstimatedTokens, r.Dropped, r.Truncated)
	}
	return b.String()
}

func formatRateLimits(counts map[string]int) string {
	if len(counts) == 0 {
		return "No rate-limited calls."
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %6s\n", "Key ID", "429s")
	for _, k := range keys {
		fmt.Fprintf(&b, "%-10s %6d\n", k, counts[k])
	}
	return b.String()
}

// formatCacheStats formats cache stats as text. Hit counts belong to the
// process serving traffic, so they are shown only for live stats.
func formatCacheStats(stats models.CacheStats, live bool) string {
	var b strings.Builder
	b.WriteString("Cache Statistics\n")
	fmt.Fprintf(&b, "  Entries:  %d\n", stats.Entries)
	fmt.Fprintf(&b, "  Expired:  %d\n", stats.Expired)
	fmt.Fprintf(&b, "  Size:     %d bytes\n", stats.Bytes)
	if !live {
		b.WriteString("  Hit Rate: unavailable: no proxy address configured\n")
		return b.String()
	}
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	fmt.Fprintf(&b, "  Hits:     %d\n", stats.Hits)
	fmt.Fprintf(&b, "  Misses:   %d\n", stats.Misses)
	fmt.Fprintf(&b, "  Hit Rate: %.1f%%\n", hitRate)
	return b.String()
}
