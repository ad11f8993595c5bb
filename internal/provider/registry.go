// Package provider dispatches chat completions to OpenAI-compatible
// upstreams.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/chat"
	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidRequest reports a request member the upstream client cannot
	// encode, such as a malformed tools list.
	ErrInvalidRequest = errors.New("request cannot be sent upstream")
)

// Client sends a completion request to a named provider
type Client interface {
	Complete(ctx context.Context, provider string, req *chat.Request) (*chat.Response, error)
}

// UpstreamError reports a failed upstream call. StatusCode is zero when no
// HTTP response was received.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s responded %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

type upstream struct {
	client       *openai.Client
	defaultModel string
}

// Registry holds one client per configured provider
type Registry struct {
	upstreams map[string]*upstream
	timeout   time.Duration
	logger    *logger.Logger
}

var _ Client = (*Registry)(nil)

// NewRegistry builds clients for every provider in cfg
func NewRegistry(cfg config.UpstreamConfig, log *logger.Logger) *Registry {
	r := &Registry{
		upstreams: make(map[string]*upstream, len(cfg.Providers)),
		timeout:   cfg.Timeout,
		logger:    log.WithComponent("provider"),
	}
	for name, p := range cfg.Providers {
		clientConfig := openai.DefaultConfig(p.APIKey)
		if p.BaseURL != "" {
			clientConfig.BaseURL = p.BaseURL
		}
		clientConfig.HTTPClient = &http.Client{}

		r.upstreams[name] = &upstream{
			client:       openai.NewClientWithConfig(clientConfig),
			defaultModel: p.DefaultModel,
		}
		r.logger.Info("Upstream provider registered",
			zap.String("provider", name),
			zap.String("base_url", clientConfig.BaseURL),
			zap.String("default_model", p.DefaultModel))
	}
	return r
}

// Names returns the registered providers in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.upstreams))
	for name := range r.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether provider is registered
func (r *Registry) Has(provider string) bool {
	_, ok := r.upstreams[provider]
	return ok
}

// DefaultModel returns the model used when a request names none
func (r *Registry) DefaultModel(provider string) (string, error) {
	u, ok := r.upstreams[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return u.defaultModel, nil
}

// Complete sends req to provider and converts the answer
func (r *Registry) Complete(ctx context.Context, provider string, req *chat.Request) (*chat.Response, error) {
	u, ok := r.upstreams[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	outbound, err := toOpenAI(req)
	if err != nil {
		return nil, err
	}

	resp, err := u.client.CreateChatCompletion(ctx, outbound)
	if err != nil {
		return nil, &UpstreamError{Provider: provider, StatusCode: statusCode(err), Err: err}
	}
	return fromOpenAI(resp), nil
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// toOpenAI converts req. Extra members are decoded into the go-openai
// request first, so tools, tool_choice, response_format, seed and logit_bias
// reach the upstream; members go-openai does not know are not sent.
func toOpenAI(req *chat.Request) (openai.ChatCompletionRequest, error) {
	var out openai.ChatCompletionRequest
	if err := decodeMembers(req.Extra, &out); err != nil {
		return out, err
	}

	out.Model = req.Model
	out.Messages = make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	out.MaxTokens = req.MaxTokens
	out.N = req.N
	out.Stop = req.Stop
	out.PresencePenalty = req.PresencePenalty
	out.FrequencyPenalty = req.FrequencyPenalty
	out.User = req.User
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	for _, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return out, err
		}
		out.Messages = append(out.Messages, converted)
	}
	return out, nil
}

func decodeMembers(extra map[string]json.RawMessage, v any) error {
	if len(extra) == 0 {
		return nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// contentPart is the wire shape of one element of array content
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL    string `json:"url"`
		Detail string `json:"detail,omitempty"`
	} `json:"image_url,omitempty"`
}

// convertMessage decodes Extra (tool_calls, tool_call_id) before setting the
// modelled members.
func convertMessage(msg chat.Message) (openai.ChatCompletionMessage, error) {
	var out openai.ChatCompletionMessage
	if err := decodeMembers(msg.Extra, &out); err != nil {
		return out, err
	}
	out.Role = msg.Role
	out.Name = msg.Name
	out.Content = ""
	out.MultiContent = nil

	if text, ok := msg.Text(); ok {
		out.Content = text
		return out, nil
	}
	if !msg.IsArrayContent() {
		return out, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(msg.Content, &parts); err != nil {
		return out, fmt.Errorf("%w: content parts: %v", ErrInvalidRequest, err)
	}
	for _, part := range parts {
		switch part.Type {
		case string(openai.ChatMessagePartTypeText):
			out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case string(openai.ChatMessagePartTypeImageURL):
			if part.ImageURL == nil {
				continue
			}
			out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    part.ImageURL.URL,
					Detail: openai.ImageURLDetail(part.ImageURL.Detail),
				},
			})
		}
	}
	return out, nil
}

func fromOpenAI(resp openai.ChatCompletionResponse) *chat.Response {
	out := &chat.Response{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]chat.Choice, 0, len(resp.Choices)),
		Usage: chat.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		msg := chat.Message{Role: c.Message.Role, Content: messageContent(c.Message), Name: c.Message.Name}
		if len(c.Message.ToolCalls) > 0 {
			if data, err := json.Marshal(c.Message.ToolCalls); err == nil {
				msg.Extra = map[string]json.RawMessage{"tool_calls": data}
			}
		}
		out.Choices = append(out.Choices, chat.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: string(c.FinishReason),
		})
	}
	return out
}

func messageContent(msg openai.ChatCompletionMessage) json.RawMessage {
	if len(msg.MultiContent) > 0 {
		data, err := json.Marshal(msg.MultiContent)
		if err == nil {
			return data
		}
	}
	return chat.TextMessage(msg.Role, msg.Content).Content
}
