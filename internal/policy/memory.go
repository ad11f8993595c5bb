package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

type key struct {
	provider string
	model    string
}

// MemoryStore keeps policies in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[key]*Policy
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[key]*Policy),
		now:      time.Now,
	}
}

func (s *MemoryStore) Resolve(_ context.Context, provider, model string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.policies[key{provider, model}]; ok {
		return clone(p), nil
	}
	if p, ok := s.policies[key{provider, WildcardModel}]; ok {
		return clone(p), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Get(_ context.Context, provider, model string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[key{provider, model}]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

// List returns policies ordered by provider then model; an empty provider
// lists all of them.
func (s *MemoryStore) List(_ context.Context, provider string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Policy, 0, len(s.policies))
	for k, p := range s.policies {
		if provider == "" || k.provider == provider {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{p.Provider, p.Model}
	if _, exists := s.policies[k]; exists {
		return ErrAlreadyExists
	}
	prepare(p, s.now())
	s.policies[k] = clone(p)
	return nil
}

// Update changes the flags of an existing policy
func (s *MemoryStore) Update(_ context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.policies[key{p.Provider, p.Model}]
	if !ok {
		return ErrNotFound
	}
	existing.Enabled = p.Enabled
	existing.PreserveMetadata = p.PreserveMetadata
	existing.UpdatedAt = s.now()
	*p = *clone(existing)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, provider, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{provider, model}
	if _, ok := s.policies[k]; !ok {
		return ErrNotFound
	}
	delete(s.policies, k)
	return nil
}

func clone(p *Policy) *Policy {
	cp := *p
	return &cp
}
