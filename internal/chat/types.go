// Package chat holds the chat-completion wire types shared by the HTTP
// surface, the anonymization pipeline and the upstream provider client.
package chat

import (
	"bytes"
	"encoding/json"
)

// Request is an OpenAI-style chat completion request body. Members the type
// does not model (tools, seed, response_format and the like) are kept in
// Extra and written back out by MarshalJSON.
type Request struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      *float32  `json:"temperature,omitempty"`
	TopP             *float32  `json:"top_p,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	N                int       `json:"n,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	PresencePenalty  float32   `json:"presence_penalty,omitempty"`
	FrequencyPenalty float32   `json:"frequency_penalty,omitempty"`
	User             string    `json:"user,omitempty"`
	Stream           bool      `json:"stream,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
	// Raw is the body exactly as it was decoded; empty for requests built in
	// code. Clone does not carry it over.
	Raw json.RawMessage `json:"-"`
}

var requestFields = map[string]bool{
	"model": true, "messages": true, "temperature": true, "top_p": true,
	"max_tokens": true, "n": true, "stop": true, "presence_penalty": true,
	"frequency_penalty": true, "user": true, "stream": true,
}

func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := unknownMembers(data, requestFields)
	if err != nil {
		return err
	}
	*r = Request(p)
	r.Extra = extra
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	return withMembers(plain(r), r.Extra)
}

// Message is a single chat message. Content is kept as raw JSON because
// clients may send a string, an array of content parts, or null. Other
// members (tool_calls, tool_call_id) travel in Extra.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var messageFields = map[string]bool{"role": true, "content": true, "name": true}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := unknownMembers(data, messageFields)
	if err != nil {
		return err
	}
	*m = Message(p)
	m.Extra = extra
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return withMembers(plain(m), m.Extra)
}

// Response is a provider-shaped chat completion response
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage carries token accounting reported by the provider
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TextMessage builds a message with string content.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: encodeText(text)}
}

// Text returns the message content when it is a JSON string.
func (m Message) Text() (string, bool) {
	trimmed := bytes.TrimSpace(m.Content)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return "", false
	}
	return text, true
}

// WithText returns a copy of the message with its content replaced by text.
func (m Message) WithText(text string) Message {
	m.Content = encodeText(text)
	return m
}

// IsArrayContent reports whether the content is a list of content parts.
func (m Message) IsArrayContent() bool {
	trimmed := bytes.TrimSpace(m.Content)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Content != nil {
		m.Content = append(json.RawMessage(nil), m.Content...)
	}
	m.Extra = cloneMembers(m.Extra)
	return m
}

// Clone returns a deep copy of the request so that callers can transform the
// copy without touching the original-space payload.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Raw = nil
	out.Extra = cloneMembers(r.Extra)
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.TopP != nil {
		p := *r.TopP
		out.TopP = &p
	}
	if r.Stop != nil {
		out.Stop = append([]string(nil), r.Stop...)
	}
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		for i, msg := range r.Messages {
			out.Messages[i] = msg.Clone()
		}
	}
	return &out
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.Choices != nil {
		out.Choices = make([]Choice, len(r.Choices))
		for i, c := range r.Choices {
			c.Message = c.Message.Clone()
			out.Choices[i] = c
		}
	}
	return &out
}

// unknownMembers returns the members of the JSON object data whose names are
// not in known, or nil when there are none.
func unknownMembers(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for name, value := range members {
		if known[name] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[name] = value
	}
	return extra, nil
}

// withMembers encodes v and adds the extra members it does not already have
func withMembers(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	for name, value := range extra {
		if _, ok := members[name]; !ok {
			members[name] = value
		}
	}
	return json.Marshal(members)
}

func cloneMembers(extra map[string]json.RawMessage) map[string]json.RawMessage {
	if extra == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(extra))
	for name, value := range extra {
		out[name] = append(json.RawMessage(nil), value...)
	}
	return out
}

func encodeText(text string) json.RawMessage {
	// Marshalling a string cannot fail.
	data, _ := json.Marshal(text)
	return data
}
