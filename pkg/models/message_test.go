package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) Message {
	t.Helper()
	var m Message
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestMessageStringContent(t *testing.T) {
	m := decode(t, `{"role":"user","content":"hello"}`)
	assert.Equal(t, "user", m.Role)
	assert.False(t, m.Content.IsArray())
	assert.Equal(t, "hello", m.Content.Text)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hello"}`, string(out))
}

func TestMessageArrayContent(t *testing.T) {
	m := decode(t, `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"http://x/a.png"}}]}`)
	require.True(t, m.Content.IsArray())
	require.Len(t, m.Content.Items, 2)
	assert.True(t, m.Content.Items[0].IsText())
	assert.False(t, m.Content.Items[1].IsText())
	assert.Equal(t, "look", m.Content.JoinText())

	refs := m.TextRefs()
	require.Len(t, refs, 1)
	*refs[0] = "...ok"

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"role":"user","content":[{"type":"text","text":"...ok"},{"type":"image_url","image_url":{"url":"http://x/a.png"}}]}`,
		string(out))
}

func TestPartRoundTripKeepsUntypedAndOpaqueFields(t *testing.T) {
	m := decode(t, `{"role":"user","content":[{"image_url":{"url":"x"}},{"type":"text","text":{"nested":true}},{"type":7}]}`)
	require.Len(t, m.Content.Items, 3)
	assert.Empty(t, m.Content.Items[0].Type)
	assert.True(t, m.Content.Items[1].IsText())
	assert.Empty(t, m.Content.Items[1].Text)
	assert.Empty(t, m.Content.Items[2].Type)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"role":"user","content":[{"image_url":{"url":"x"}},{"type":"text","text":{"nested":true}},{"type":7}]}`,
		string(out))

	m.Content.Items[1].Text = "replaced"
	out, err = json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"role":"user","content":[{"image_url":{"url":"x"}},{"type":"text","text":"replaced"},{"type":7}]}`,
		string(out))
}

func TestMessagePartsAndExtras(t *testing.T) {
	m := decode(t, `{"role":"assistant","content":"a","parts":[{"type":"text","text":"b"},{"type":"file","name":"f.txt"}],"tool_calls":[{"id":"1"}]}`)
	require.Len(t, m.Parts, 2)

	refs := m.TextRefs()
	require.Len(t, refs, 2)
	assert.Equal(t, "a", *refs[0])
	assert.Equal(t, "b", *refs[1])

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"role":"assistant","content":"a","parts":[{"type":"text","text":"b"},{"type":"file","name":"f.txt"}],"tool_calls":[{"id":"1"}]}`,
		string(out))
}

func TestMessageNullAndOpaqueContent(t *testing.T) {
	m := decode(t, `{"role":"assistant","content":null}`)
	assert.True(t, m.Content.IsZero())
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"assistant"}`, string(out))

	m = decode(t, `{"role":"tool","content":{"result":42}}`)
	assert.Empty(t, m.TextRefs())
	out, err = json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"tool","content":{"result":42}}`, string(out))
}

func TestBuiltContentCountsAsText(t *testing.T) {
	m := Message{Role: "user", Content: Content{Text: "x"}}
	require.Len(t, m.TextRefs(), 1)
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"x"}`, string(out))
}

func TestCloneIsDeep(t *testing.T) {
	orig := decode(t, `{"role":"user","content":[{"type":"text","text":"one"}],"parts":[{"type":"text","text":"two"}],"name":"bob"}`)
	msgs := CloneMessages([]Message{orig})

	for _, ref := range msgs[0].TextRefs() {
		*ref = ""
	}
	assert.Equal(t, "one", orig.Content.Items[0].Text)
	assert.Equal(t, "two", orig.Parts[0].Text)

	out, err := json.Marshal(msgs[0])
	require.NoError(t, err)
	assert.Contains(t, string(out), `"name":"bob"`)

	assert.Nil(t, CloneMessages(nil))
}

func TestAnthropicUsage(t *testing.T) {
	u := (&AnthropicUsage{InputTokens: 12, OutputTokens: 3}).ToUsage()
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}, *u)
}
