package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageText(t *testing.T) {
	t.Run("string content", func(t *testing.T) {
		msg := TextMessage("user", "Привет, мир")
		text, ok := msg.Text()
		require.True(t, ok)
		assert.Equal(t, "Привет, мир", text)
	})

	t.Run("array content is not text", func(t *testing.T) {
		msg := Message{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"hi"}]`)}
		_, ok := msg.Text()
		assert.False(t, ok)
		assert.True(t, msg.IsArrayContent())
	})

	t.Run("null and absent content", func(t *testing.T) {
		_, ok := Message{Role: "assistant", Content: json.RawMessage(`null`)}.Text()
		assert.False(t, ok)
		_, ok = Message{Role: "assistant"}.Text()
		assert.False(t, ok)
	})
}

func TestRequestCloneIsDeep(t *testing.T) {
	temp := float32(0.2)
	orig := &Request{
		Model:       "gpt-4",
		Temperature: &temp,
		Stop:        []string{"\n"},
		Messages:    []Message{TextMessage("user", "hello")},
	}

	cp := orig.Clone()
	cp.Messages[0] = cp.Messages[0].WithText("changed")
	*cp.Temperature = 0.9
	cp.Stop[0] = "END"

	text, _ := orig.Messages[0].Text()
	assert.Equal(t, "hello", text)
	assert.InDelta(t, 0.2, *orig.Temperature, 1e-6)
	assert.Equal(t, "\n", orig.Stop[0])
}

func TestRequestJSONRoundTrip(t *testing.T) {
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"},{"role":"user","content":[{"type":"text","text":"x"}]}]}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	require.Len(t, req.Messages, 2)

	text, ok := req.Messages[0].Text()
	require.True(t, ok)
	assert.Equal(t, "hi", text)
	assert.JSONEq(t, `[{"type":"text","text":"x"}]`, string(req.Messages[1].Content))
}

func TestRequestKeepsUnknownMembers(t *testing.T) {
	body := `{"model":"gpt-4","seed":7,"response_format":{"type":"json_object"},
		"messages":[{"role":"tool","content":"42","tool_call_id":"call_1"}]}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, body, string(req.Raw))
	assert.JSONEq(t, `7`, string(req.Extra["seed"]))
	assert.NotContains(t, req.Extra, "model")
	require.Len(t, req.Messages, 1)
	assert.JSONEq(t, `"call_1"`, string(req.Messages[0].Extra["tool_call_id"]))

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(out))

	cp := req.Clone()
	assert.Nil(t, cp.Raw)
	cp.Extra["seed"] = json.RawMessage(`8`)
	cp.Messages[0].Extra["tool_call_id"] = json.RawMessage(`"call_2"`)
	assert.JSONEq(t, `7`, string(req.Extra["seed"]))
	assert.JSONEq(t, `"call_1"`, string(req.Messages[0].Extra["tool_call_id"]))
}
