package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// PartText is the type tag of a text-bearing content part.
const PartText = "text"

// Part is one typed unit of message content: a text part, a file or image
// attachment, a tool result, and so on. Fields other than type and text are
// carried through untouched so a shaped request re-encodes faithfully.
type Part struct {
	Type string
	Text string

	fields map[string]json.RawMessage
	// opaqueText is set when a text field was present but not a string; it
	// is re-encoded verbatim unless Text is assigned.
	opaqueText bool
}

// TextPart returns a text part holding s.
func TextPart(s string) Part {
	return Part{Type: PartText, Text: s}
}

// IsText reports whether the part contributes text to the conversation.
func (p Part) IsText() bool {
	return p.Type == PartText
}

// UnmarshalJSON implements json.Unmarshaler. Type and text are read only
// when they are strings; other values stay in the raw fields.
func (p *Part) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*p = Part{fields: fields}
	if raw, ok := fields["type"]; ok {
		var typ string
		if json.Unmarshal(raw, &typ) == nil {
			p.Type = typ
		}
	}
	if raw, ok := fields["text"]; ok {
		var text string
		if json.Unmarshal(raw, &text) == nil {
			p.Text = text
		} else {
			p.opaqueText = true
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Part) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.fields)+2)
	for k, v := range p.fields {
		out[k] = v
	}
	if p.Type != "" {
		out["type"] = p.Type
	}
	if p.IsText() && !(p.opaqueText && p.Text == "") {
		out["text"] = p.Text
	}
	return json.Marshal(out)
}

// Content is a message body. Upstream formats disagree on its shape: it is
// either a plain string or an array of typed content items.
type Content struct {
	Text  string
	Items []Part

	array bool
	set   bool
	raw   json.RawMessage
}

// TextContent returns string-shaped content.
func TextContent(s string) Content {
	return Content{Text: s, set: true}
}

// ItemsContent returns array-shaped content.
func ItemsContent(items ...Part) Content {
	return Content{Items: items, array: true, set: true}
}

// IsArray reports whether the content was an array of items.
func (c Content) IsArray() bool { return c.array }

// IsZero reports whether the content is absent.
func (c Content) IsZero() bool { return !c.set && !c.array && c.Text == "" }

// JoinText concatenates every text-bearing unit of the content.
func (c Content) JoinText() string {
	if !c.array {
		return c.Text
	}
	var b strings.Builder
	for _, it := range c.Items {
		if !it.IsText() {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(it.Text)
	}
	return b.String()
}

// UnmarshalJSON implements json.Unmarshaler. Shapes other than a string or
// an array are kept verbatim and carry no text.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*c = Content{set: true}
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		c.set = false
	case trimmed[0] == '"':
		return json.Unmarshal(trimmed, &c.Text)
	case trimmed[0] == '[':
		c.array = true
		return json.Unmarshal(trimmed, &c.Items)
	default:
		c.raw = append(json.RawMessage(nil), trimmed...)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	switch {
	case c.IsZero():
		return []byte("null"), nil
	case c.raw != nil:
		return c.raw, nil
	case c.array:
		if c.Items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Items)
	default:
		return json.Marshal(c.Text)
	}
}

// Message is one role-tagged entry of a conversation. Content arrives either
// as Content (string or item array) or as a structured Parts list; unknown
// fields such as tool calls are preserved.
type Message struct {
	Role    string
	Content Content
	Parts   []Part

	extra map[string]json.RawMessage
}

// TextRefs returns pointers to every text-bearing unit of the message in
// document order: string content, text items, then text parts.
func (m *Message) TextRefs() []*string {
	var refs []*string
	if m.Content.raw == nil && !m.Content.array {
		refs = append(refs, &m.Content.Text)
	}
	for i := range m.Content.Items {
		if m.Content.Items[i].IsText() {
			refs = append(refs, &m.Content.Items[i].Text)
		}
	}
	for i := range m.Parts {
		if m.Parts[i].IsText() {
			refs = append(refs, &m.Parts[i].Text)
		}
	}
	return refs
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = Message{}
	if raw, ok := fields["role"]; ok {
		if err := json.Unmarshal(raw, &m.Role); err != nil {
			return err
		}
		delete(fields, "role")
	}
	if raw, ok := fields["content"]; ok {
		if err := json.Unmarshal(raw, &m.Content); err != nil {
			return err
		}
		delete(fields, "content")
	}
	if raw, ok := fields["parts"]; ok && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		if err := json.Unmarshal(raw, &m.Parts); err != nil {
			return err
		}
		delete(fields, "parts")
	}
	if len(fields) > 0 {
		m.extra = fields
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.extra)+3)
	for k, v := range m.extra {
		out[k] = v
	}
	out["role"] = m.Role
	if !m.Content.IsZero() {
		out["content"] = m.Content
	}
	if m.Parts != nil {
		out["parts"] = m.Parts
	}
	return json.Marshal(out)
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	c := m
	c.Content.Items = cloneParts(m.Content.Items)
	if m.Content.raw != nil {
		c.Content.raw = append(json.RawMessage(nil), m.Content.raw...)
	}
	c.Parts = cloneParts(m.Parts)
	if m.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(m.extra))
		for k, v := range m.extra {
			c.extra[k] = v
		}
	}
	return c
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	copy(out, parts)
	return out
}

// CloneMessages deep-copies a history. Trimming consumes its input; callers
// that still need the original conversation clone it first.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
