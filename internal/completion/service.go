// Package completion runs one chat completion through the anonymization
// pipeline: decide, anonymize, dispatch, restore and record.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/chat"
	"github.com/raaihank/pii-gateway/internal/history"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/metrics"
	"github.com/raaihank/pii-gateway/internal/policy"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/provider"
	"github.com/raaihank/pii-gateway/internal/websocket"
)

const historyTimeout = 5 * time.Second

var (
	ErrInvalidRequest = errors.New("invalid completion request")
	ErrEmptyResponse  = errors.New("provider returned no response")
)

// Provider dispatches requests upstream and knows each provider's default
// model
type Provider interface {
	provider.Client
	DefaultModel(provider string) (string, error)
}

// EventSink receives dashboard events
type EventSink interface {
	BroadcastEvent(event websocket.Event)
}

// Deps are the collaborators of a Service. History and Events are optional.
type Deps struct {
	Engine   *privacy.Engine
	Lookup   policy.Lookup
	Provider Provider
	History  history.Store
	Events   EventSink
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
}

// Service is safe for concurrent use; all per-request state, the mapping
// included, lives on the stack of Complete.
type Service struct {
	engine   *privacy.Engine
	lookup   policy.Lookup
	provider Provider
	history  history.Store
	events   EventSink
	metrics  *metrics.Metrics
	logger   *logger.Logger
	now      func() time.Time
}

func NewService(deps Deps) *Service {
	return &Service{
		engine:   deps.Engine,
		lookup:   deps.Lookup,
		provider: deps.Provider,
		history:  deps.History,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   deps.Logger.WithComponent("completion"),
		now:      time.Now,
	}
}

// exchange is the state of one request
type exchange struct {
	provider   string
	model      string
	anonymized bool
	mapping    *privacy.Mapping
	recordID   uuid.UUID
	started    time.Time
	log        *zap.Logger
}

// Complete sends req to providerName and returns the response in the
// caller's original text. req is never modified. Upstream errors are
// returned wrapped; restoration errors degrade to the anonymized response.
func (s *Service) Complete(ctx context.Context, providerName string, req *chat.Request) (*chat.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	if req.Stream {
		return nil, fmt.Errorf("%w: streaming is not supported", ErrInvalidRequest)
	}

	model, err := s.resolveModel(providerName, req.Model)
	if err != nil {
		return nil, err
	}

	x := &exchange{
		provider: providerName,
		model:    model,
		started:  s.now(),
		log:      s.logger.FromContext(ctx).With(zap.String("provider", providerName), zap.String("model", model)),
	}
	x.anonymized = s.lookup.ShouldAnonymize(ctx, providerName, model)

	outbound := req.Clone()
	outbound.Model = model
	if x.anonymized {
		outbound.Messages, x.mapping = s.engine.AnonymizeMessages(req.Messages)
	}

	s.openRecord(ctx, x, req)

	upstreamStart := s.now()
	resp, err := s.provider.Complete(ctx, providerName, outbound)
	upstreamElapsed := s.now().Sub(upstreamStart)
	if err == nil && resp == nil {
		err = ErrEmptyResponse
	}
	if err != nil {
		s.fail(ctx, x, err, upstreamElapsed)
		return nil, fmt.Errorf("completion via %s failed: %w", providerName, err)
	}

	delivered, restored := resp, false
	if x.anonymized {
		delivered, restored = s.restore(x, resp)
	}

	s.closeRecord(ctx, x, history.Outcome{
		Status:   history.StatusSuccess,
		Response: delivered,
		Duration: s.now().Sub(x.started),
	})

	s.metrics.ObserveCompletion(providerName, string(history.StatusSuccess), upstreamElapsed)
	s.publish(ctx, x, history.StatusSuccess, restored)

	x.log.Info("Completion served",
		zap.Bool("anonymized", x.anonymized),
		zap.Int("pii_entities", x.entities()),
		zap.Bool("restored", restored),
		zap.Int("total_tokens", delivered.Usage.TotalTokens),
		zap.Duration("upstream_duration", upstreamElapsed))
	return delivered, nil
}

func (s *Service) resolveModel(providerName, model string) (string, error) {
	if model != "" {
		return model, nil
	}
	model, err := s.provider.DefaultModel(providerName)
	if err != nil {
		return "", err
	}
	if model == "" {
		return "", fmt.Errorf("%w: model is required for provider %s", ErrInvalidRequest, providerName)
	}
	return model, nil
}

// restore maps the response back to original text. A shared placeholder is
// restored to the first original it was issued for and the later ones are
// counted as skipped; any other failure, a panic included, returns resp
// unchanged.
func (s *Service) restore(x *exchange, resp *chat.Response) (out *chat.Response, restored bool) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncrementRestoreFailures()
			x.log.Error("Response restoration panicked, returning anonymized response",
				zap.Any("panic", r))
			out, restored = resp, false
		}
	}()

	choices, err := s.engine.DeanonymizeChoices(resp.Choices, x.mapping)
	if err != nil {
		skipped := privacy.SkippedEntries(err)
		if skipped == 0 {
			s.metrics.IncrementRestoreFailures()
			x.log.Warn("Response restoration failed, returning anonymized response",
				zap.Error(err),
				zap.Int("pii_entities", x.entities()))
			return resp, false
		}
		s.metrics.AddSkippedEntries(skipped)
		x.log.Warn("Colliding placeholders left unrestored",
			zap.Int("skipped_entries", skipped),
			zap.Int("pii_entities", x.entities()))
	}

	out = resp.Clone()
	out.Choices = choices
	return out, true
}

func (s *Service) fail(ctx context.Context, x *exchange, err error, upstreamElapsed time.Duration) {
	s.closeRecord(ctx, x, history.Outcome{
		Status:   history.StatusError,
		Error:    err.Error(),
		Duration: s.now().Sub(x.started),
	})
	s.metrics.ObserveCompletion(x.provider, string(history.StatusError), upstreamElapsed)
	s.publish(ctx, x, history.StatusError, false)

	x.log.Warn("Upstream completion failed",
		zap.Error(err),
		zap.Bool("anonymized", x.anonymized),
		zap.Bool("canceled", errors.Is(err, context.Canceled)),
		zap.Bool("timeout", errors.Is(err, context.DeadlineExceeded)))
}

// openRecord stores the original request. Failures are logged and counted
// only.
func (s *Service) openRecord(ctx context.Context, x *exchange, original *chat.Request) {
	if s.history == nil {
		return
	}
	ctx, cancel := historyContext(ctx)
	defer cancel()

	id, err := s.history.Create(ctx, history.CreateParams{
		RequestID:   logger.RequestIDFrom(ctx),
		Provider:    x.provider,
		Model:       x.model,
		Anonymized:  x.anonymized,
		PIIEntities: x.entities(),
		Request:     original,
	})
	if err != nil {
		s.metrics.IncrementHistoryFailures()
		x.log.Error("Failed to create history record", zap.Error(err))
		return
	}
	x.recordID = id
}

func (s *Service) closeRecord(ctx context.Context, x *exchange, outcome history.Outcome) {
	if s.history == nil || x.recordID == uuid.Nil {
		return
	}
	ctx, cancel := historyContext(ctx)
	defer cancel()

	if err := s.history.Update(ctx, x.recordID, outcome); err != nil {
		s.metrics.IncrementHistoryFailures()
		x.log.Error("Failed to update history record",
			zap.Error(err),
			zap.String("record_id", x.recordID.String()))
	}
}

// historyContext keeps request values but outlives a cancelled request, so
// the outcome of an aborted call is still recorded.
func historyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
}

func (s *Service) publish(ctx context.Context, x *exchange, status history.Status, restored bool) {
	categories := x.categories()
	if x.anonymized && status == history.StatusSuccess {
		s.metrics.ObserveAnonymization(x.provider, categories)
	}
	if s.events == nil {
		return
	}
	s.events.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeAnonymization,
		Timestamp: s.now(),
		RequestID: logger.RequestIDFrom(ctx),
		Data: websocket.AnonymizationEvent{
			Provider:   x.provider,
			Model:      x.model,
			Anonymized: x.anonymized,
			Entities:   x.entities(),
			Categories: categories,
			Status:     string(status),
			Restored:   restored,
			DurationMS: s.now().Sub(x.started).Milliseconds(),
		},
	})
}

func (x *exchange) entities() int {
	if x.mapping == nil {
		return 0
	}
	return x.mapping.Len()
}

func (x *exchange) categories() map[string]int {
	if x.mapping == nil {
		return nil
	}
	out := make(map[string]int)
	for category, n := range x.mapping.Categories() {
		out[string(category)] = n
	}
	return out
}
