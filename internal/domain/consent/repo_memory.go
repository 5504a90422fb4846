package consent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// contractSlot serializes writers of one contract so the gate's
// check-and-increment never interleaves with another writer of the same
// contract, while different contracts proceed in parallel.
type contractSlot struct {
	mu sync.Mutex
	c  *ConsentContract
}

type memoryRepo struct {
	reqMu    sync.RWMutex
	requests map[uuid.UUID]*ConsentRequest

	conMu     sync.RWMutex
	contracts map[uuid.UUID]*contractSlot
}

// NewMemoryRepository returns a process-local Repository, used for tests and
// STORE_DRIVER=memory.
func NewMemoryRepository() Repository {
	return &memoryRepo{
		requests:  make(map[uuid.UUID]*ConsentRequest),
		contracts: make(map[uuid.UUID]*contractSlot),
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *memoryRepo) CreateRequest(_ context.Context, r *ConsentRequest) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Version = 1

	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *memoryRepo) GetRequest(_ context.Context, id uuid.UUID) (*ConsentRequest, error) {
	m.reqMu.RLock()
	defer m.reqMu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

// casRequest must be called with reqMu held.
func (m *memoryRepo) casRequest(r *ConsentRequest) error {
	cur, ok := m.requests[r.ID]
	if !ok {
		return fmt.Errorf("request %s: %w", r.ID, ErrNotFound)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("request %s at version %d, have %d: %w", r.ID, cur.Version, r.Version, ErrVersionConflict)
	}
	r.Version++
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *memoryRepo) UpdateRequest(_ context.Context, r *ConsentRequest) error {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	return m.casRequest(r)
}

func (m *memoryRepo) ApproveRequest(_ context.Context, r *ConsentRequest, c *ConsentContract) error {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	m.conMu.Lock()
	defer m.conMu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, ok := m.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s already exists", c.ID)
	}

	id := c.ID
	r.ContractID = &id
	if err := m.casRequest(r); err != nil {
		r.ContractID = nil
		return err
	}
	c.Version = 1
	m.contracts[c.ID] = &contractSlot{c: c.Clone()}
	return nil
}

func (m *memoryRepo) ListRequests(_ context.Context, f RequestFilter) ([]*ConsentRequest, int, error) {
	m.reqMu.RLock()
	var matched []*ConsentRequest
	for _, r := range m.requests {
		if f.matches(r) {
			matched = append(matched, r.Clone())
		}
	}
	m.reqMu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, f.Limit, f.Offset), len(matched), nil
}

func (m *memoryRepo) ListOverdueRequests(_ context.Context, now time.Time) ([]*ConsentRequest, error) {
	m.reqMu.RLock()
	defer m.reqMu.RUnlock()
	var out []*ConsentRequest
	for _, r := range m.requests {
		if r.ExpiredAt(now) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *memoryRepo) CountRequestsByStatus(_ context.Context) (map[RequestStatus]int, error) {
	m.reqMu.RLock()
	defer m.reqMu.RUnlock()
	counts := make(map[RequestStatus]int)
	for _, r := range m.requests {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *memoryRepo) slot(id uuid.UUID) (*contractSlot, bool) {
	m.conMu.RLock()
	defer m.conMu.RUnlock()
	s, ok := m.contracts[id]
	return s, ok
}

func (m *memoryRepo) GetContract(_ context.Context, id uuid.UUID) (*ConsentContract, error) {
	s, ok := m.slot(id)
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Clone(), nil
}

func (m *memoryRepo) ListContracts(_ context.Context, f ContractFilter) ([]*ConsentContract, int, error) {
	m.conMu.RLock()
	var matched []*ConsentContract
	for _, s := range m.contracts {
		s.mu.Lock()
		if f.matches(s.c) {
			matched = append(matched, s.c.Clone())
		}
		s.mu.Unlock()
	}
	m.conMu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, f.Limit, f.Offset), len(matched), nil
}

func (m *memoryRepo) MutateContract(ctx context.Context, id uuid.UUID, fn MutateFunc) (*ConsentContract, error) {
	s, ok := m.slot(id)
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.c.Clone()
	changed, err := fn(ctx, work)
	if err != nil {
		return nil, err
	}
	if changed {
		work.Version = s.c.Version + 1
		s.c = work.Clone()
	}
	return s.c.Clone(), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
