// Package policy stores the per-(provider, model) anonymization settings and
// answers whether a request must be anonymized.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WildcardModel marks the provider-wide fallback record
const WildcardModel = "*"

var (
	ErrNotFound      = errors.New("policy not found")
	ErrAlreadyExists = errors.New("policy already exists")
	ErrInvalidPolicy = errors.New("invalid policy")
)

// Policy is the anonymization setting for one provider and model
type Policy struct {
	ID               uuid.UUID `json:"id" db:"id"`
	Provider         string    `json:"provider" db:"provider"`
	Model            string    `json:"model" db:"model"`
	Enabled          bool      `json:"enabled" db:"enabled"`
	PreserveMetadata bool      `json:"preserveMetadata" db:"preserve_metadata"`
	CreatedBy        string    `json:"createdBy,omitempty" db:"created_by"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
}

// Validate checks the identifying fields
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidPolicy)
	}
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidPolicy)
	}
	return nil
}

// Store persists policies. Resolve is a single atomic read: the record for
// (provider, model) if present, otherwise the provider's "*" record.
type Store interface {
	Resolve(ctx context.Context, provider, model string) (*Policy, error)
	Get(ctx context.Context, provider, model string) (*Policy, error)
	List(ctx context.Context, provider string) ([]*Policy, error)
	Create(ctx context.Context, p *Policy) error
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, provider, model string) error
}

// Lookup answers whether anonymization applies to a provider and model
type Lookup interface {
	ShouldAnonymize(ctx context.Context, provider, model string) bool
}

// prepare fills identity and timestamps of a policy about to be created
func prepare(p *Policy, now time.Time) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
}
