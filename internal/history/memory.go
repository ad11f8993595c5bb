package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory, oldest first
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
	order   []uuid.UUID
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, params CreateParams) (uuid.UUID, error) {
	r, err := newRecord(params, s.now())
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	s.order = append(s.order, r.ID)
	return r.ID, nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	updated := *r
	if err := updated.apply(outcome, s.now()); err != nil {
		return err
	}
	*r = updated
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Record{}
	for _, id := range s.order {
		r := s.records[id]
		if !filter.matches(r) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
