package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/chatshaper/chatshaper/pkg/keypool"
	"github.com/chatshaper/chatshaper/pkg/models"
)

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"chatshaper_estimate":    handleEstimate,
	"chatshaper_keys":        handleKeys,
	"chatshaper_usage":       handleUsage,
	"chatshaper_rate_limits": handleRateLimits,
	"chatshaper_cache_stats": handleCacheStats,
}

var messagesSchema = map[string]any{
	"type":        "array",
	"description": "Conversation history, oldest first. Each item has a role and string or array content.",
	"items": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role":    map[string]any{"type": "string"},
			"content": map[string]any{},
		},
	},
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "chatshaper_estimate",
		Description: "Estimate the token cost of a system prompt and conversation, and optionally trim it to fit the ceiling.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"messages"},
			"properties": map[string]any{
				"system":   map[string]any{"type": "string", "description": "System prompt (optional)"},
				"messages": messagesSchema,
				"ceiling":  map[string]any{"type": "integer", "description": "Token ceiling (optional, defaults to the configured ceiling)"},
				"trim":     map[string]any{"type": "boolean", "description": "Return the trimmed conversation"},
			},
		},
	},
	{
		Name:        "chatshaper_keys",
		Description: "List credential fingerprints per provider. Rotation and exclusion state is read from the running proxy when one is configured.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "chatshaper_usage",
		Description: "Show upstream usage per provider credential, or the individual calls made with one credential.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": map[string]any{
					"type":        "string",
					"description": "Filter by provider (optional, omit for all)",
				},
				"key_id": map[string]any{
					"type":        "string",
					"description": "Credential fingerprint; lists that credential's calls instead of the summary",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format for key_id (optional, defaults to the last 24 hours)",
				},
			},
		},
	},
	{
		Name:        "chatshaper_rate_limits",
		Description: "Count rate-limited (429) upstream answers per credential.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional, defaults to the last 24 hours)",
				},
			},
		},
	},
	{
		Name:        "chatshaper_cache_stats",
		Description: "Show response cache statistics. Hit rate is read from the running proxy when one is configured.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

type estimateArgs struct {
	System   string           `json:"system"`
	Messages []models.Message `json:"messages"`
	Ceiling  int              `json:"ceiling"`
	Trim     bool             `json:"trim"`
}

func handleEstimate(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args estimateArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}

	res := s.budgeter.TrimWithReport(args.Messages, args.System, args.Ceiling)
	text := formatTrimResult(s.budgeter.Estimator().Name(), len(args.Messages), res, args.Trim)
	if !args.Trim {
		return textResult(text)
	}
	data, err := json.MarshalIndent(res.Messages, "", "  ")
	if err != nil {
		return errorResult("Error encoding messages: " + err.Error())
	}
	return ToolCallResult{Content: []ContentBlock{
		{Type: "text", Text: text},
		{Type: "text", Text: string(data)},
	}}
}

func handleKeys(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	var live map[string]keypool.Stats
	if s.live != nil {
		var err error
		if live, err = s.live.KeyStats(ctx); err != nil {
			return errorResult("Error fetching live pool status: " + err.Error())
		}
	}
	if len(s.pools) == 0 && len(live) == 0 {
		return textResult("No key pools configured.")
	}

	seen := make(map[string]bool, len(s.pools)+len(live))
	names := make([]string, 0, len(s.pools)+len(live))
	for name := range s.pools {
		seen[name] = true
		names = append(names, name)
	}
	for name := range live {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	rows := make([]poolRow, 0, len(names))
	for _, name := range names {
		row := poolRow{provider: name}
		if p, ok := s.pools[name]; ok {
			row.keys = p.Size()
			row.fingerprints = p.Fingerprints()
			row.placeholder = p.Placeholder()
		}
		if st, ok := live[name]; ok {
			row.keys = st.TotalKeys
			row.stats = &st
		}
		rows = append(rows, row)
	}
	return textResult(formatPools(rows, s.live != nil))
}

type usageArgs struct {
	Provider string `json:"provider"`
	KeyID    string `json:"key_id"`
	Since    string `json:"since"`
}

func handleUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.tracker == nil {
		return textResult("Usage tracking is not configured.")
	}
	var args usageArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	if args.KeyID != "" {
		since, err := parseSince(args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		records, err := s.tracker.QueryByKeyID(ctx, args.KeyID, since)
		if err != nil {
			return errorResult("Error fetching calls: " + err.Error())
		}
		total, err := s.tracker.TotalByKeyID(ctx, args.KeyID, since)
		if err != nil {
			return errorResult("Error fetching usage: " + err.Error())
		}
		return textResult(formatKeyCalls(args.KeyID, records, total))
	}

	rows, err := s.tracker.Summary(ctx, args.Provider)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

type sinceArgs struct {
	Since string `json:"since"`
}

// parseSince reads a YYYY-MM-DD start date. Empty means the last 24 hours.
func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC().Add(-24 * time.Hour), nil
	}
	return time.Parse("2006-01-02", v)
}

func handleRateLimits(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.tracker == nil {
		return textResult("Usage tracking is not configured.")
	}
	var args sinceArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	since, err := parseSince(args.Since)
	if err != nil {
		return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
	}

	counts, err := s.tracker.RateLimited(ctx, since)
	if err != nil {
		return errorResult("Error fetching rate limits: " + err.Error())
	}
	return textResult(formatRateLimits(counts))
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	src, live := s.liveCache, true
	if src == nil {
		src, live = s.cache, false
	}
	if src == nil {
		return textResult("Cache is not configured.")
	}
	stats, err := src.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats, live))
}

// poolRow is one provider's pool. stats is nil when the running proxy does
// not report the provider.
type poolRow struct {
	provider     string
	keys         int
	stats        *keypool.Stats
	fingerprints []string
	placeholder  bool
}
