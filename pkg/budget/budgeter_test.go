package budget

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/chatshaper/chatshaper/pkg/models"
)

func textMsg(role, content string) models.Message {
	return models.Message{Role: role, Content: models.TextContent(content)}
}

func conversation(n, chars int) []models.Message {
	msgs := make([]models.Message, n)
	for i := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		body := fmt.Sprintf("m%02d:", i) + strings.Repeat("x", chars-4)
		msgs[i] = textMsg(role, body)
	}
	return msgs
}

func TestEstimateMessageTokensShapes(t *testing.T) {
	b := New(Options{})

	plain := textMsg("user", strings.Repeat("a", 40))
	assert.Equal(t, 4+11, b.EstimateMessageTokens(plain))

	var items models.Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[
		{"type":"text","text":"`+strings.Repeat("a", 40)+`"},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}},
		{"type":"text","text":"abcd"}]}`), &items))
	assert.Equal(t, 4+11+2, b.EstimateMessageTokens(items))

	var parts models.Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","parts":[
		{"type":"file","mediaType":"application/pdf","url":"blob:1"},
		{"type":"text","text":"`+strings.Repeat("a", 40)+`"}]}`), &parts))
	assert.Equal(t, 4+11, b.EstimateMessageTokens(parts))

	empty := textMsg("user", "")
	assert.Equal(t, MessageOverhead, b.EstimateMessageTokens(empty))

	var odd models.Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"tool","content":{"unexpected":true}}`), &odd))
	assert.Equal(t, MessageOverhead, b.EstimateMessageTokens(odd))
}

func TestEstimateTotal(t *testing.T) {
	b := New(Options{})
	history := []models.Message{textMsg("user", "abcd"), textMsg("assistant", "")}

	// system: 11 + 4; messages: (4+2) + (4+0); formatting: 2*2
	got := b.EstimateTotal(strings.Repeat("s", 40), history)
	assert.Equal(t, 15+6+4+4, got)
	assert.Equal(t, SystemOverhead, b.EstimateTotal("", nil))
}

func TestTrimWithinBudgetIsIdentity(t *testing.T) {
	b := New(Options{Ceiling: 10000, MinKeep: 2})
	history := conversation(6, 100)
	want := models.CloneMessages(history)

	res := b.TrimWithReport(history, "be brief", 0)
	assert.Equal(t, want, res.Messages)
	assert.Zero(t, res.Dropped)
	assert.Zero(t, res.Truncated)
	assert.True(t, res.Fits)
}

func TestTrimAtFloorIsUnchanged(t *testing.T) {
	b := New(Options{Ceiling: 10, MinKeep: 3})
	history := conversation(3, 800)
	want := models.CloneMessages(history)

	res := b.TrimWithReport(history, "", 0)
	assert.Equal(t, want, res.Messages)
	assert.False(t, res.Fits)
}

func TestTrimDropsOldestUntilFits(t *testing.T) {
	b := New(Options{MinKeep: 3})
	history := append(conversation(9, 800), textMsg("user", "ok?"))
	want := models.CloneMessages(history[7:])

	// 800 chars cost 220+4; the last message costs 1+4; system prompt 20+4.
	// Three messages: 24 + 224*2 + 5 + 2*3 = 483.
	res := b.TrimWithReport(history, strings.Repeat("s", 72), 600)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, want, res.Messages)
	assert.Equal(t, 7, res.Dropped)
	assert.Zero(t, res.Truncated)
	assert.Equal(t, 483, res.After)
	assert.True(t, res.Fits)
}

func TestTrimTruncatesOlderMessagesButNotTheLast(t *testing.T) {
	b := New(Options{MinKeep: 3})
	history := conversation(10, 800)
	last := history[9].Clone()
	tail := history[8].Content.Text[800-397:]

	res := b.TrimWithReport(history, strings.Repeat("s", 72), 300)

	require.Len(t, res.Messages, 3)
	assert.Equal(t, 7, res.Dropped)
	assert.Equal(t, 2, res.Truncated)
	for _, m := range res.Messages[:2] {
		assert.True(t, strings.HasPrefix(m.Content.Text, Ellipsis), m.Content.Text[:10])
		assert.Len(t, m.Content.Text, MinTruncateTokens*CharsPerToken)
	}
	assert.Equal(t, Ellipsis+tail, res.Messages[1].Content.Text, "the tail of the message is kept")
	assert.Equal(t, last, res.Messages[2])
	assert.False(t, res.Fits, "the final message alone keeps the total over budget")
	assert.Less(t, res.After, res.Before)
}

func TestTrimTruncatesStructuredParts(t *testing.T) {
	b := New(Options{MinKeep: 2})
	older := models.Message{Role: "user", Parts: []models.Part{
		models.TextPart(strings.Repeat("a", 600)),
		{Type: "file"},
		models.TextPart(strings.Repeat("b", 600)),
	}}
	history := []models.Message{textMsg("user", "first"), older, textMsg("user", strings.Repeat("q", 2000))}

	res := b.TrimWithReport(history, "", 200)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Truncated)

	parts := res.Messages[0].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, "", parts[0].Text)
	assert.Equal(t, "file", parts[1].Type)
	assert.Equal(t, Ellipsis+strings.Repeat("b", 397), parts[2].Text)
}

func TestTruncateHeadStaysWithinBudget(t *testing.T) {
	over := textMsg("user", strings.Repeat("x", 401))
	require.True(t, truncateHead(&over, 400))
	assert.Equal(t, Ellipsis+strings.Repeat("x", 397), over.Content.Text)

	exact := textMsg("user", strings.Repeat("x", 400))
	assert.False(t, truncateHead(&exact, 400))
	assert.Len(t, exact.Content.Text, 400)
}

func TestTrimNeverGrowsATruncatedMessage(t *testing.T) {
	b := New(Options{MinKeep: 2})
	history := []models.Message{
		textMsg("user", "z"),
		textMsg("assistant", strings.Repeat("0", 409)),
		textMsg("user", "q"),
	}

	// After the drop: 4 + (113+4) + (1+4) + 2*2 = 130, so 15 tokens must go
	// and the middle message is cut to 102*4 characters.
	res := b.TrimWithReport(history, "", 115)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, 137, res.Before)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Truncated)
	assert.Equal(t, Ellipsis+strings.Repeat("0", 405), res.Messages[0].Content.Text)
	assert.Equal(t, 130, res.After)
	assert.False(t, res.Fits)
}

// eighths counts one token per eight characters, so a character budget of
// four per token frees more than it asks for.
type eighths struct{}

func (eighths) CountText(s string) int { return len(s) / 8 }
func (eighths) Name() string           { return "eighths" }

func TestTrimStopsOnceEnoughRemoved(t *testing.T) {
	b := New(Options{MinKeep: 3, Estimator: eighths{}})
	history := conversation(4, 1600)
	second := history[2].Clone()

	// Three messages cost 4 + 3*(200+4) + 6 = 622, so 62 tokens must go.
	// Cutting the oldest survivor to 142*4 characters frees 129.
	res := b.TrimWithReport(history, "", 560)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Truncated)
	assert.Len(t, res.Messages[0].Content.Text, 142*CharsPerToken)
	assert.Equal(t, second, res.Messages[1], "the second message is left alone")
	assert.Equal(t, 493, res.After)
	assert.True(t, res.Fits)
}

func TestTrimCharacterBudgetIsBestEffort(t *testing.T) {
	b := New(Options{MinKeep: 3})
	history := conversation(3, 2000)
	history = append([]models.Message{textMsg("user", "old")}, history...)

	// Four messages: 4 + 5 + 3*(550+4) + 8 = 1679. Dropping one leaves
	// 4 + 1662 + 6 = 1672. The oldest survivor is cut to 482*4 characters,
	// which frees 19 tokens; the next one already fits its character budget.
	res := b.TrimWithReport(history, "", 1600)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Truncated)
	assert.Len(t, res.Messages[1].Content.Text, 2000)
	assert.Equal(t, 1653, res.After)
	assert.False(t, res.Fits)
}

func TestTrimDefaultCeiling(t *testing.T) {
	b := New(Options{Ceiling: 500, MinKeep: 1})
	res := b.TrimWithReport(conversation(10, 400), "", 0)
	assert.Equal(t, 500, res.Ceiling)
	assert.True(t, res.Fits)
	assert.Equal(t, 500, b.Ceiling())
}

func TestCeiling(t *testing.T) {
	assert.Equal(t, 102400, Ceiling(128000, 0.8))
	assert.Equal(t, 8192, Ceiling(8192, 1))
}

func drawHistory(t *rapid.T) []models.Message {
	n := rapid.IntRange(0, 12).Draw(t, "messages")
	msgs := make([]models.Message, n)
	for i := range msgs {
		chars := rapid.IntRange(0, 3000).Draw(t, fmt.Sprintf("chars_%d", i))
		msgs[i] = textMsg("user", fmt.Sprintf("%d:", i)+strings.Repeat("w", chars))
	}
	return msgs
}

func TestProperty_TrimIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := New(Options{MinKeep: rapid.IntRange(1, 5).Draw(rt, "minKeep")})
		ceiling := rapid.IntRange(50, 5000).Draw(rt, "ceiling")
		prompt := strings.Repeat("p", rapid.IntRange(0, 400).Draw(rt, "prompt"))

		once := b.Trim(drawHistory(rt), prompt, ceiling)
		snapshot := models.CloneMessages(once)
		twice := b.Trim(once, prompt, ceiling)
		assert.Equal(rt, snapshot, twice)
	})
}

func TestProperty_TrimKeepsFloorAndLastMessage(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		minKeep := rapid.IntRange(1, 5).Draw(rt, "minKeep")
		b := New(Options{MinKeep: minKeep})
		ceiling := rapid.IntRange(50, 5000).Draw(rt, "ceiling")

		history := drawHistory(rt)
		original := models.CloneMessages(history)
		fits := b.EstimateTotal("", history) <= ceiling

		got := b.Trim(history, "", ceiling)
		assert.GreaterOrEqual(rt, len(got), min(len(original), minKeep))
		if len(original) > 0 {
			assert.Equal(rt, original[len(original)-1], got[len(got)-1])
		}
		if fits {
			assert.Equal(rt, original, got)
		}
	})
}
