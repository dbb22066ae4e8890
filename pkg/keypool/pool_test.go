package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type tHelper interface {
	require.TestingT
	Helper()
}

func mustPool(t tHelper, keys []string, opts ...Option) *Pool {
	t.Helper()
	p, err := New(keys, opts...)
	require.NoError(t, err)
	return p
}

func TestRoundRobin(t *testing.T) {
	p := mustPool(t, []string{"A", "B", "C"})

	assert.Equal(t, "A", p.Next())
	assert.Equal(t, "B", p.Next())
	assert.Equal(t, "C", p.Next())
	assert.Equal(t, "A", p.Next())
}

func TestReportFailureAndReset(t *testing.T) {
	p := mustPool(t, []string{"A", "B"})

	assert.Equal(t, "A", p.Next())
	p.ReportFailure()
	assert.Equal(t, "B", p.Next())
	assert.Equal(t, "B", p.Next(), "A is excluded")

	p.Reset()
	assert.Equal(t, "A", p.Next())
}

func TestSelfHealWhenAllExcluded(t *testing.T) {
	p := mustPool(t, []string{"A", "B"})

	p.Next()
	p.ReportFailure()
	p.Next()
	p.ReportFailure()
	require.Equal(t, 2, p.Stats().ExcludedCount)

	got := p.Next()
	assert.Contains(t, []string{"A", "B"}, got)
	assert.Equal(t, 0, p.Stats().ExcludedCount)
}

func TestSingleKeyAlwaysReturned(t *testing.T) {
	p := mustPool(t, []string{"only"})

	p.Next()
	p.ReportFailure()
	for range 3 {
		assert.Equal(t, "only", p.Next())
	}
}

func TestReportKeyFailure(t *testing.T) {
	p := mustPool(t, []string{"A", "B", "C"})

	p.ReportKeyFailure("B")
	p.ReportKeyFailure("unknown")

	assert.Equal(t, "A", p.Next())
	assert.Equal(t, "C", p.Next())
	assert.Equal(t, "A", p.Next())
	assert.Equal(t, 1, p.Stats().ExcludedCount)
}

func TestNewDropsBlanks(t *testing.T) {
	p := mustPool(t, []string{"", "  ", "A", "your-api-key", "B"})
	assert.Equal(t, 2, p.Size())
	assert.False(t, p.Placeholder())
}

func TestNewEmptyIsConfigurationError(t *testing.T) {
	_, err := New([]string{"", " "}, WithSource("openai"))
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "openai", cfgErr.Source)
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestNewEmptyInBuildPhase(t *testing.T) {
	p, err := New(nil, WithBuildPhase(true))
	require.NoError(t, err)
	assert.True(t, p.Placeholder())
	assert.Equal(t, PlaceholderKey, p.Next())
}

func TestStats(t *testing.T) {
	p := mustPool(t, []string{"A", "B", "C"})

	s := p.Stats()
	assert.Equal(t, Stats{TotalKeys: 3, CurrentIndex: 1, ExcludedCount: 0, AvailableCount: 3}, s)

	p.Next()
	p.ReportFailure()
	s = p.Stats()
	assert.Equal(t, 2, s.CurrentIndex)
	assert.Equal(t, 1, s.ExcludedCount)
	assert.Equal(t, 2, s.AvailableCount)
}

func TestResetIfCooled(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	p := mustPool(t, []string{"A", "B"}, WithCooldown(time.Minute), WithClock(clock))

	assert.False(t, p.ResetIfCooled(now), "nothing excluded")

	p.Next()
	p.ReportFailure()
	assert.False(t, p.ResetIfCooled(now.Add(30*time.Second)))
	assert.Equal(t, 1, p.Stats().ExcludedCount)

	assert.True(t, p.ResetIfCooled(now.Add(time.Minute)))
	assert.Equal(t, 0, p.Stats().ExcludedCount)
}

func TestResetIfCooledDisabled(t *testing.T) {
	p := mustPool(t, []string{"A", "B"})
	p.Next()
	p.ReportFailure()
	assert.False(t, p.ResetIfCooled(time.Now().Add(24*time.Hour)))
}

func TestRunStopsOnCancel(t *testing.T) {
	p := mustPool(t, []string{"A", "B"}, WithCooldown(time.Nanosecond))
	p.Next()
	p.ReportFailure()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, time.Millisecond) }()

	require.Eventually(t, func() bool { return p.Stats().ExcludedCount == 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentUseKeepsInvariants(t *testing.T) {
	p := mustPool(t, []string{"A", "B", "C", "D"})

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				p.Next()
				if (i+j)%7 == 0 {
					p.ReportFailure()
				}
				if j%50 == 0 {
					p.Reset()
				}
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, s.TotalKeys, s.AvailableCount+s.ExcludedCount)
	assert.GreaterOrEqual(t, s.CurrentIndex, 1)
	assert.LessOrEqual(t, s.CurrentIndex, s.TotalKeys)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("sk-test-1")
	assert.Len(t, a, 8)
	assert.Equal(t, a, Fingerprint("sk-test-1"))
	assert.NotEqual(t, a, Fingerprint("sk-test-2"))
}

func drawKeys(t *rapid.T) []string {
	n := rapid.IntRange(1, 8).Draw(t, "n")
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	return keys
}

func TestProperty_NextVisitsEveryKeyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keys := drawKeys(rt)
		p := mustPool(rt, keys)

		seen := make(map[string]int, len(keys))
		for range keys {
			seen[p.Next()]++
		}
		for _, k := range keys {
			assert.Equal(rt, 1, seen[k], "key %s", k)
		}
	})
}

func TestProperty_FailedKeySkippedUntilSelfHeal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keys := drawKeys(rt)
		p := mustPool(rt, keys)

		warm := rapid.IntRange(0, 10).Draw(rt, "warm")
		for range warm {
			p.Next()
		}
		failed := p.Next()
		p.ReportFailure()

		if len(keys) > 1 {
			for i := 0; i < len(keys)-1; i++ {
				assert.NotEqual(rt, failed, p.Next(), "call %d", i)
			}
		}
		assert.Contains(rt, keys, p.Next())
	})
}

func TestProperty_StatsBalance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := mustPool(rt, drawKeys(rt))

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 0, 50).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				p.Next()
			case 1:
				p.ReportFailure()
			case 2:
				p.Reset()
			}
			s := p.Stats()
			assert.Equal(rt, s.TotalKeys, s.AvailableCount+s.ExcludedCount)
		}
	})
}
