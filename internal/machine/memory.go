package machine

import (
	"context"
	"sort"
	"sync"
)

// memoryStore keeps machine records in process memory. Suitable for a single
// gateway instance; records vanish on restart.
type memoryStore struct {
	mu       sync.Mutex
	machines map[string]*Machine
}

func NewMemoryStore() Store {
	return &memoryStore{machines: make(map[string]*Machine)}
}

func (s *memoryStore) Get(ctx context.Context, id string) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *m
	return &copy, nil
}

func (s *memoryStore) Save(ctx context.Context, m *Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *m
	s.machines[m.ID] = &copy
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.machines, id)
	return nil
}

func (s *memoryStore) List(ctx context.Context) ([]*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Machine, 0, len(s.machines))
	for _, m := range s.machines {
		copy := *m
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
