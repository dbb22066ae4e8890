package keypool

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	openai := mustPool(t, []string{"A", "B", "C"})
	anthropic := mustPool(t, []string{"X"})
	openai.Next()
	openai.ReportFailure()

	c := NewCollector(map[string]*Pool{"openai": openai, "anthropic": anthropic})
	assert.Equal(t, 6, testutil.CollectAndCount(c))

	expected := `
# HELP chatshaper_keypool_keys_excluded Number of credentials currently excluded after upstream rejection
# TYPE chatshaper_keypool_keys_excluded gauge
chatshaper_keypool_keys_excluded{provider="anthropic"} 0
chatshaper_keypool_keys_excluded{provider="openai"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "chatshaper_keypool_keys_excluded"))
}
