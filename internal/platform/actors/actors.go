// Package actors is the directory of known parties: who may file consent
// requests and where a patient is contacted. Lookups are cached in process.
package actors

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

type Kind string

const (
	KindPatient       Kind = "patient"
	KindRequester     Kind = "requester"
	KindAdministrator Kind = "administrator"
)

var ErrNotFound = errors.New("actor not found")

// Actor is a registered party.
type Actor struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists actors.
type Store interface {
	Get(ctx context.Context, id string) (*Actor, error)
	Upsert(ctx context.Context, a *Actor) error
	List(ctx context.Context, kind Kind) ([]*Actor, error)
}

// Directory answers the questions the consent workflow asks about actors.
type Directory struct {
	store Store
}

func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

// IsKnownRequester reports whether id is an active requester.
func (d *Directory) IsKnownRequester(ctx context.Context, id string) (bool, error) {
	a, err := d.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Active && a.Kind == KindRequester, nil
}

// ContactFor returns the actor to notify for patient id. Patients without a
// directory entry or an email address yield ErrNotFound.
func (d *Directory) ContactFor(ctx context.Context, id string) (*Actor, error) {
	a, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active || a.Email == "" {
		return nil, ErrNotFound
	}
	return a, nil
}

// Seed registers each id in ids as an active actor of kind. Entries already
// present are left as they are.
func Seed(ctx context.Context, store Store, kind Kind, ids []string, now time.Time) error {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := store.Get(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := store.Upsert(ctx, &Actor{ID: id, Kind: kind, DisplayName: id, Active: true, UpdatedAt: now}); err != nil {
			return err
		}
	}
	return nil
}

// MemoryStore keeps actors in a map.
type MemoryStore struct {
	mu     sync.RWMutex
	actors map[string]Actor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actors: make(map[string]Actor)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) Upsert(_ context.Context, a *Actor) error {
	if a.ID == "" {
		return errors.New("actor id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors[a.ID] = *a
	return nil
}

func (m *MemoryStore) List(_ context.Context, kind Kind) ([]*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Actor
	for _, a := range m.actors {
		if kind != "" && a.Kind != kind {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
