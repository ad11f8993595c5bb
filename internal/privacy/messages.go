package privacy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/raaihank/pii-gateway/internal/chat"
)

// AnonymizeMessages anonymizes the content of every message against one
// fresh mapping. The returned slice is a copy; msgs is not modified.
func (e *Engine) AnonymizeMessages(msgs []chat.Message) ([]chat.Message, *Mapping) {
	m := NewMapping()
	return e.AnonymizeMessagesInto(msgs, m), m
}

// AnonymizeMessagesInto anonymizes msgs against an existing mapping, so
// numbering continues from m's counter.
func (e *Engine) AnonymizeMessagesInto(msgs []chat.Message, m *Mapping) []chat.Message {
	if msgs == nil {
		return nil
	}
	out := make([]chat.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = e.transformMessage(msg.Clone(), func(s string) string {
			return e.Anonymize(s, m)
		})
	}
	return out
}

// DeanonymizeMessages restores every message using the reverse of m. The
// returned error reports mapping entries that could not be reversed; the
// messages are still restored for all other entries.
func (e *Engine) DeanonymizeMessages(msgs []chat.Message, m *Mapping) ([]chat.Message, error) {
	rm, err := m.Reverse()
	if msgs == nil {
		return nil, err
	}
	out := make([]chat.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = e.transformMessage(msg.Clone(), func(s string) string {
			return e.Deanonymize(s, rm)
		})
	}
	return out, err
}

// DeanonymizeChoices restores the message of every choice in a provider
// response.
func (e *Engine) DeanonymizeChoices(choices []chat.Choice, m *Mapping) ([]chat.Choice, error) {
	rm, err := m.Reverse()
	if choices == nil {
		return nil, err
	}
	out := make([]chat.Choice, len(choices))
	for i, c := range choices {
		c.Message = e.transformMessage(c.Message.Clone(), func(s string) string {
			return e.Deanonymize(s, rm)
		})
		out[i] = c
	}
	return out, err
}

// DeanonymizeData restores an arbitrary JSON payload: every string value at
// any depth is restored, object keys and non-string scalars are kept.
func (e *Engine) DeanonymizeData(items []json.RawMessage, rm *ReverseMapping) ([]any, error) {
	out := make([]any, len(items))
	for i, raw := range items {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", i, err)
		}
		out[i] = e.restoreTree(v, rm)
	}
	return out, nil
}

func (e *Engine) restoreTree(v any, rm *ReverseMapping) any {
	switch val := v.(type) {
	case string:
		return e.Deanonymize(val, rm)
	case []any:
		for i, item := range val {
			val[i] = e.restoreTree(item, rm)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = e.restoreTree(item, rm)
		}
		return val
	}
	return v
}

// transformMessage applies fn to string content, and to the text of "text"
// parts when content is an array of parts. Null, absent or otherwise shaped
// content passes through unchanged.
func (e *Engine) transformMessage(msg chat.Message, fn func(string) string) chat.Message {
	if text, ok := msg.Text(); ok {
		return msg.WithText(fn(text))
	}
	if !msg.IsArrayContent() {
		return msg
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(msg.Content, &parts); err != nil {
		return msg
	}
	changed := false
	for i, part := range parts {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(part, &fields); err != nil {
			continue
		}
		var partType, text string
		if json.Unmarshal(fields["type"], &partType) != nil || partType != "text" {
			continue
		}
		if json.Unmarshal(fields["text"], &text) != nil {
			continue
		}
		encoded, err := json.Marshal(fn(text))
		if err != nil {
			continue
		}
		fields["text"] = encoded
		if parts[i], err = json.Marshal(fields); err != nil {
			return msg
		}
		changed = true
	}
	if !changed {
		return msg
	}
	content, err := json.Marshal(parts)
	if err != nil {
		return msg
	}
	msg.Content = content
	return msg
}
