// Package history records every completion exchange in original space: the
// request as the user sent it and the response as the user received it.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raaihank/pii-gateway/internal/chat"
)

// Status of a recorded exchange
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

var ErrNotFound = errors.New("history record not found")

// Record is one stored exchange. Request and Response hold JSON documents.
type Record struct {
	ID               uuid.UUID `json:"id" db:"id"`
	RequestID        string    `json:"requestId" db:"request_id"`
	Provider         string    `json:"provider" db:"provider"`
	Model            string    `json:"model" db:"model"`
	Status           Status    `json:"status" db:"status"`
	Anonymized       bool      `json:"anonymized" db:"anonymized"`
	PIIEntities      int       `json:"piiEntities" db:"pii_entities"`
	Request          string    `json:"request" db:"request"`
	Response         string    `json:"response,omitempty" db:"response"`
	Error            string    `json:"error,omitempty" db:"error"`
	PromptTokens     int       `json:"promptTokens" db:"prompt_tokens"`
	CompletionTokens int       `json:"completionTokens" db:"completion_tokens"`
	TotalTokens      int       `json:"totalTokens" db:"total_tokens"`
	DurationMS       int64     `json:"durationMs" db:"duration_ms"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
}

// CreateParams opens a pending record. Request must be the original,
// never-anonymized request; its Raw body is stored when present.
type CreateParams struct {
	RequestID   string
	Provider    string
	Model       string
	Anonymized  bool
	PIIEntities int
	Request     *chat.Request
}

// Outcome closes a record. Response, when set, is the response delivered to
// the user.
type Outcome struct {
	Status   Status
	Response *chat.Response
	Error    string
	Duration time.Duration
}

// Filter narrows List results; zero values match everything
type Filter struct {
	Provider string
	Status   Status
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Store persists history records
type Store interface {
	Create(ctx context.Context, params CreateParams) (uuid.UUID, error)
	Update(ctx context.Context, id uuid.UUID, outcome Outcome) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, filter Filter) ([]*Record, error)
}

// newRecord snapshots the request so later changes to it cannot leak into
// the stored trail. A decoded request is stored as the exact bytes the
// client sent.
func newRecord(params CreateParams, now time.Time) (*Record, error) {
	var body []byte
	if params.Request != nil && len(params.Request.Raw) > 0 {
		body = params.Request.Raw
	} else {
		var err error
		if body, err = json.Marshal(params.Request); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}
	return &Record{
		ID:          uuid.New(),
		RequestID:   params.RequestID,
		Provider:    params.Provider,
		Model:       params.Model,
		Status:      StatusPending,
		Anonymized:  params.Anonymized,
		PIIEntities: params.PIIEntities,
		Request:     string(body),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// apply copies an outcome onto r
func (r *Record) apply(outcome Outcome, now time.Time) error {
	r.Status = outcome.Status
	r.Error = outcome.Error
	r.DurationMS = outcome.Duration.Milliseconds()
	r.UpdatedAt = now
	if outcome.Response != nil {
		body, err := json.Marshal(outcome.Response)
		if err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
		r.Response = string(body)
		r.PromptTokens = outcome.Response.Usage.PromptTokens
		r.CompletionTokens = outcome.Response.Usage.CompletionTokens
		r.TotalTokens = outcome.Response.Usage.TotalTokens
	}
	return nil
}

func (f Filter) matches(r *Record) bool {
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}
