package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatshaper/chatshaper/pkg/models"
	"github.com/chatshaper/chatshaper/pkg/tracker"
)

func newTracker(t *testing.T) *tracker.SQLiteTracker {
	t.Helper()
	tr, err := tracker.New(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestWriteKeyUsage(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, rec := range []models.UsageRecord{
		{RequestID: "req-old", Provider: "openai", KeyID: "aaaa1111", Model: "gpt-4o", StatusCode: 200, TotalTokens: 900, CreatedAt: now.Add(-48 * time.Hour)},
		{RequestID: "req-1", Provider: "openai", KeyID: "aaaa1111", Model: "gpt-4o", StatusCode: 429, CreatedAt: now.Add(-2 * time.Hour)},
		{RequestID: "req-2", Provider: "openai", KeyID: "aaaa1111", Model: "gpt-4o", StatusCode: 200, Dropped: 3, TotalTokens: 120, CreatedAt: now.Add(-time.Hour)},
		{RequestID: "req-3", Provider: "openai", KeyID: "bbbb2222", Model: "gpt-4o", StatusCode: 200, TotalTokens: 50, CreatedAt: now},
	} {
		require.NoError(t, tr.Record(ctx, rec))
	}

	var out bytes.Buffer
	require.NoError(t, writeKeyUsage(ctx, &out, tr, "aaaa1111", now.Add(-24*time.Hour)))

	got := out.String()
	assert.Contains(t, got, "req-1")
	assert.Contains(t, got, "req-2")
	assert.NotContains(t, got, "req-old")
	assert.NotContains(t, got, "req-3")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("req-2")), bytes.Index(out.Bytes(), []byte("req-1")), "newest first")
	assert.Contains(t, got, "Calls: 2  Total tokens: 120")
}

func TestWriteKeyUsageUnknownKey(t *testing.T) {
	tr := newTracker(t)

	var out bytes.Buffer
	require.NoError(t, writeKeyUsage(context.Background(), &out, tr, "deadbeef", time.Now().Add(-time.Hour)))
	assert.Equal(t, "No calls for key deadbeef.\n", out.String())
}

func TestWriteRateLimited(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, tr.Record(ctx, models.UsageRecord{Provider: "openai", KeyID: "bbbb2222", Model: "m", StatusCode: 429, CreatedAt: now}))
	require.NoError(t, tr.Record(ctx, models.UsageRecord{Provider: "openai", KeyID: "aaaa1111", Model: "m", StatusCode: 429, CreatedAt: now}))
	require.NoError(t, tr.Record(ctx, models.UsageRecord{Provider: "openai", KeyID: "aaaa1111", Model: "m", StatusCode: 200, CreatedAt: now}))

	var out bytes.Buffer
	require.NoError(t, writeRateLimited(ctx, &out, tr, now.Add(-time.Minute)))
	got := out.String()
	assert.Less(t, bytes.Index(out.Bytes(), []byte("aaaa1111")), bytes.Index(out.Bytes(), []byte("bbbb2222")))
	assert.Contains(t, got, "RATE LIMITED")
}
