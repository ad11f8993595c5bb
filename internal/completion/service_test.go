package completion

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-gateway/internal/chat"
	"github.com/raaihank/pii-gateway/internal/history"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/metrics"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/provider"
	"github.com/raaihank/pii-gateway/internal/websocket"
)

const userText = "Меня зовут Иван Петров, email ivan@example.org, телефон +7 (495) 123-45-67"

// echoProvider answers with the text of the last message it received
type echoProvider struct {
	mu       sync.Mutex
	received *chat.Request
	err      error
	reply    func(text string) string
}

func (p *echoProvider) Complete(ctx context.Context, _ string, req *chat.Request) (*chat.Response, error) {
	p.mu.Lock()
	p.received = req.Clone()
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, _ := req.Messages[len(req.Messages)-1].Text()
	if p.reply != nil {
		text = p.reply(text)
	}
	return &chat.Response{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Model:   req.Model,
		Choices: []chat.Choice{{Message: chat.TextMessage("assistant", "Вы написали: "+text), FinishReason: "stop"}},
		Usage:   chat.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	}, nil
}

func (p *echoProvider) DefaultModel(name string) (string, error) {
	if name != "openai" {
		return "", provider.ErrUnknownProvider
	}
	return "gpt-default", nil
}

func (p *echoProvider) lastText(t *testing.T) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotNil(t, p.received)
	text, ok := p.received.Messages[len(p.received.Messages)-1].Text()
	require.True(t, ok)
	return text
}

type staticLookup bool

func (l staticLookup) ShouldAnonymize(context.Context, string, string) bool {
	return bool(l)
}

type recordingSink struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (s *recordingSink) BroadcastEvent(event websocket.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

type failingHistory struct{ history.Store }

func (failingHistory) Create(context.Context, history.CreateParams) (uuid.UUID, error) {
	return uuid.Nil, errors.New("database is down")
}

type fixture struct {
	service  *Service
	provider *echoProvider
	history  *history.MemoryStore
	sink     *recordingSink
	metrics  *metrics.Metrics
}

func newFixture(anonymize bool, opts ...privacy.Option) *fixture {
	f := &fixture{
		provider: &echoProvider{},
		history:  history.NewMemoryStore(),
		sink:     &recordingSink{},
		metrics:  metrics.New(),
	}
	f.service = NewService(Deps{
		Engine:   privacy.NewEngine(nil, opts...),
		Lookup:   staticLookup(anonymize),
		Provider: f.provider,
		History:  f.history,
		Events:   f.sink,
		Metrics:  f.metrics,
		Logger:   logger.NewNop(),
	})
	return f
}

func (f *fixture) onlyRecord(t *testing.T) *history.Record {
	t.Helper()
	records, err := f.history.List(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func request(text string) *chat.Request {
	return &chat.Request{
		Model: "gpt-4o",
		Messages: []chat.Message{
			chat.TextMessage("system", "Ты помощник"),
			chat.TextMessage("user", text),
		},
	}
}

func TestCompleteAnonymizesAndRestores(t *testing.T) {
	f := newFixture(true)
	ctx := logger.ContextWithRequestID(context.Background(), "req-42")
	req := request(userText)

	resp, err := f.service.Complete(ctx, "openai", req)
	require.NoError(t, err)

	sent := f.provider.lastText(t)
	assert.NotContains(t, sent, "ivan@example.org")
	assert.NotContains(t, sent, "Иван Петров")
	assert.NotContains(t, sent, "123-45-67")
	assert.Contains(t, sent, "user")

	text, ok := resp.Choices[0].Message.Text()
	require.True(t, ok)
	assert.Equal(t, "Вы написали: "+userText, text)

	original, _ := req.Messages[1].Text()
	assert.Equal(t, userText, original, "caller request must not be modified")

	record := f.onlyRecord(t)
	assert.Equal(t, history.StatusSuccess, record.Status)
	assert.Equal(t, "req-42", record.RequestID)
	assert.True(t, record.Anonymized)
	assert.Equal(t, 3, record.PIIEntities)
	assert.Contains(t, record.Request, "ivan@example.org")
	assert.NotContains(t, record.Request, "user1@example.com")
	assert.Contains(t, record.Response, "ivan@example.org")
	assert.Equal(t, 20, record.TotalTokens)

	require.Len(t, f.sink.events, 1)
	event := f.sink.events[0].Data.(websocket.AnonymizationEvent)
	assert.Equal(t, 3, event.Entities)
	assert.True(t, event.Restored)
	assert.Equal(t, 1, event.Categories["email"])

	payload, err := json.Marshal(f.sink.events[0])
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "ivan@example.org")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnonymizedTotal.WithLabelValues("openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CompletionsTotal.WithLabelValues("openai", "success")))
}

func TestCompletePassesThroughWhenPolicyDisabled(t *testing.T) {
	f := newFixture(false)

	resp, err := f.service.Complete(context.Background(), "openai", request(userText))
	require.NoError(t, err)

	assert.Equal(t, userText, f.provider.lastText(t))
	text, _ := resp.Choices[0].Message.Text()
	assert.Equal(t, "Вы написали: "+userText, text)

	record := f.onlyRecord(t)
	assert.False(t, record.Anonymized)
	assert.Zero(t, record.PIIEntities)
	assert.Zero(t, testutil.ToFloat64(f.metrics.AnonymizedTotal.WithLabelValues("openai")))
}

func TestCompleteResolvesDefaultModel(t *testing.T) {
	f := newFixture(false)
	req := request("привет")
	req.Model = ""

	resp, err := f.service.Complete(context.Background(), "openai", req)
	require.NoError(t, err)
	assert.Equal(t, "gpt-default", resp.Model)
	assert.Equal(t, "gpt-default", f.onlyRecord(t).Model)
	assert.Empty(t, req.Model)

	_, err = f.service.Complete(context.Background(), "unknown", req)
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestCompleteRejectsInvalidRequests(t *testing.T) {
	f := newFixture(true)

	tests := map[string]*chat.Request{
		"nil":         nil,
		"no messages": {Model: "gpt-4o"},
		"streaming":   {Model: "gpt-4o", Stream: true, Messages: []chat.Message{chat.TextMessage("user", "hi")}},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.Complete(context.Background(), "openai", req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCompleteUpstreamErrorIsRecorded(t *testing.T) {
	f := newFixture(true)
	upstreamErr := &provider.UpstreamError{Provider: "openai", StatusCode: 500, Err: errors.New("boom")}
	f.provider.err = upstreamErr

	_, err := f.service.Complete(context.Background(), "openai", request(userText))
	require.Error(t, err)
	assert.ErrorIs(t, err, upstreamErr)

	record := f.onlyRecord(t)
	assert.Equal(t, history.StatusError, record.Status)
	assert.Contains(t, record.Error, "boom")
	assert.Contains(t, record.Request, "ivan@example.org")
	assert.Empty(t, record.Response)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CompletionsTotal.WithLabelValues("openai", "error")))
}

func TestCompleteCancelledRequestIsRecorded(t *testing.T) {
	f := newFixture(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.service.Complete(ctx, "openai", request(userText))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, history.StatusError, f.onlyRecord(t).Status)
}

func TestCompleteRestoresAroundCollidingPlaceholders(t *testing.T) {
	f := newFixture(true, privacy.WithLegacyConstantPlaceholders())
	text := "почта ivan@example.org, рабочий +7 (495) 123-45-67, мобильный +7 (916) 555-12-34"

	resp, err := f.service.Complete(context.Background(), "openai", request(text))
	require.NoError(t, err)

	got, _ := resp.Choices[0].Message.Text()
	assert.Contains(t, got, "ivan@example.org")
	assert.NotContains(t, got, "user1@example.com")
	assert.Equal(t, 2, strings.Count(got, "+7 (495) 123-45-67"), "first original wins the shared placeholder")
	assert.NotContains(t, got, "XXX")
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.RestoreFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SkippedEntries))

	event := f.sink.events[0].Data.(websocket.AnonymizationEvent)
	assert.True(t, event.Restored)
	assert.Equal(t, "success", event.Status)
}

func TestCompleteStoresRequestAsSent(t *testing.T) {
	f := newFixture(true)
	body := `{"model":"gpt-4o", "seed":7, "response_format":{"type":"json_object"},
 "tools":[{"type":"function","function":{"name":"lookup","parameters":{"type":"object"}}}],
 "messages":[{"role":"user","content":"hi ivan@example.org"},{"role":"tool","tool_call_id":"call_1","content":"42"}]}`

	var req chat.Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	_, err := f.service.Complete(context.Background(), "openai", &req)
	require.NoError(t, err)

	assert.Equal(t, body, f.onlyRecord(t).Request)

	f.provider.mu.Lock()
	sent := f.provider.received
	f.provider.mu.Unlock()
	assert.Empty(t, sent.Raw)
	assert.JSONEq(t, `7`, string(sent.Extra["seed"]))
	assert.Contains(t, sent.Extra, "tools")
	assert.Contains(t, sent.Extra, "response_format")
	assert.JSONEq(t, `"call_1"`, string(sent.Messages[1].Extra["tool_call_id"]))
	text, _ := sent.Messages[0].Text()
	assert.NotContains(t, text, "ivan@example.org")
}

func TestRestoreRecoversFromPanic(t *testing.T) {
	f := newFixture(true)
	resp := &chat.Response{Choices: []chat.Choice{{Message: chat.TextMessage("assistant", "user1@example.com")}}}

	// restoring without a mapping dereferences nil
	x := &exchange{log: logger.NewNop().Logger}
	out, restored := f.service.restore(x, resp)

	assert.False(t, restored)
	assert.Same(t, resp, out)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RestoreFailures))
}

func TestCompleteSurvivesHistoryFailure(t *testing.T) {
	f := newFixture(true)
	f.service.history = failingHistory{}

	resp, err := f.service.Complete(context.Background(), "openai", request(userText))
	require.NoError(t, err)
	text, _ := resp.Choices[0].Message.Text()
	assert.Contains(t, text, "ivan@example.org")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HistoryFailures))
}

func TestCompleteConcurrentRequestsDoNotShareMappings(t *testing.T) {
	f := newFixture(true)
	f.provider.reply = func(text string) string { return text }

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := strings.Repeat("a", i+1) + "@example.org"
			resp, err := f.service.Complete(context.Background(), "openai", request("email "+email))
			if err != nil {
				errs <- err
				return
			}
			text, _ := resp.Choices[0].Message.Text()
			if text != "Вы написали: email "+email {
				errs <- errors.New("leaked mapping: " + text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
