package lease

import (
	"context"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/model"
)

// MemoryStore keeps leases in process memory. Agents and orchestrator must share it,
// so it only serves single-process setups and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]model.Lease
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]model.Lease),
		now:  time.Now,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, l model.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := l.Clone()
	row.UpdatedAt = s.now()
	s.rows[l.ID] = row
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []model.Lease
	for _, l := range s.rows {
		if l.Expired(now) || !f.Match(l) {
			continue
		}
		out = append(out, l.Clone())
	}
	sortLeases(out)
	return out, nil
}

// Get returns the stored row with id.
func (s *MemoryStore) Get(id string) (model.Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rows[id]
	return l.Clone(), ok
}
