package audit

import (
	"context"
	"sync"
)

type memoryRepo struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryRepository returns a process-local Repository.
func NewMemoryRepository() Repository {
	return &memoryRepo{}
}

func (r *memoryRepo) Append(_ context.Context, e *Event) error {
	r.mu.Lock()
	e.Seq = int64(len(r.events)) + 1
	r.events = append(r.events, e.clone())
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) List(_ context.Context, f Filter) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Event
	for _, e := range r.events {
		if !f.matches(e) {
			continue
		}
		out = append(out, e.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
