package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachepkg "github.com/chatshaper/chatshaper/pkg/cache/sqlite"
)

func TestWriteCacheStats(t *testing.T) {
	c, err := cachepkg.New(filepath.Join(t.TempDir(), "cache.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, writeCacheStats(ctx, &out, c))
	assert.Equal(t, "Cache is empty.\n", out.String())

	require.NoError(t, c.Put(ctx, "h1", "gpt-4o", bytes.Repeat([]byte("x"), 2048)))
	require.NoError(t, c.Put(ctx, "h2", "claude", []byte("ok")))

	out.Reset()
	require.NoError(t, writeCacheStats(ctx, &out, c))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"gpt-4o", "1", "0", "2.0", "KiB"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"claude", "1", "0", "2", "B"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"TOTAL", "2", "0", "2.0", "KiB"}, strings.Fields(lines[3]))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", formatBytes(0))
	assert.Equal(t, "1023 B", formatBytes(1023))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "3.0 MiB", formatBytes(3*1024*1024))
}
