package compliance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consent/internal/domain/consent"
)

type memoryRepo struct {
	mu     sync.RWMutex
	alerts map[uuid.UUID]*Alert
}

// NewMemoryRepository returns a process-local alert store.
func NewMemoryRepository() Repository {
	return &memoryRepo{alerts: make(map[uuid.UUID]*Alert)}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *memoryRepo) CreateAlert(_ context.Context, a *Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.ContractID != a.ContractID || existing.Type != a.Type {
			continue
		}
		if !existing.Resolved || existing.EvidenceSeq >= a.EvidenceSeq {
			return false, nil
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.alerts[a.ID] = a.clone()
	return true, nil
}

func (m *memoryRepo) GetAlert(_ context.Context, id uuid.UUID) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, consent.ErrNotFound)
	}
	return a.clone(), nil
}

func (m *memoryRepo) ListAlerts(_ context.Context, f AlertFilter) ([]*Alert, int, error) {
	m.mu.RLock()
	var matched []*Alert
	for _, a := range m.alerts {
		if f.matches(a) {
			matched = append(matched, a.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (m *memoryRepo) ResolveAlert(_ context.Context, id uuid.UUID, by string, at time.Time) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, consent.ErrNotFound)
	}
	if a.Resolved {
		return nil, fmt.Errorf("alert %s already resolved: %w", id, consent.ErrInvalidStateTransition)
	}
	a.Resolved = true
	a.ResolvedAt = &at
	a.ResolvedBy = by
	return a.clone(), nil
}
