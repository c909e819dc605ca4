package campaign

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local runs. Campaigns are
// deep-copied on the way in and out so callers never share slices with the
// stored record.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign

	// FailSaves makes the next n Save calls fail, for fatal-path tests.
	FailSaves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{campaigns: make(map[string]*Campaign)}
}

func (s *MemoryStore) Create(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidArgument, c.ID)
	}
	s.campaigns[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (s *MemoryStore) Save(ctx context.Context, c *Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves > 0 {
		s.FailSaves--
		return fmt.Errorf("campaign: store unavailable")
	}
	if _, ok := s.campaigns[c.ID]; !ok {
		return ErrNotFound
	}
	s.campaigns[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, c := range s.campaigns {
		if c.Status == StatusProcessing {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func clone(c *Campaign) *Campaign {
	out := *c
	out.Jobs = make([]Job, len(c.Jobs))
	copy(out.Jobs, c.Jobs)
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.Usage.LastJobStartedAt != nil {
		t := *c.Usage.LastJobStartedAt
		out.Usage.LastJobStartedAt = &t
	}
	return &out
}

var _ Store = (*MemoryStore)(nil)
