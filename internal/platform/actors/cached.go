package actors

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// missing marks a cached negative lookup.
type missing struct{}

// DefaultMissTTL bounds how long a negative lookup is remembered. An actor
// registered through another instance becomes visible here within it.
const DefaultMissTTL = 5 * time.Second

// CachedStore fronts a Store with a TTL cache. Misses are cached on the
// shorter miss TTL so a flood of requests from an unknown actor does not
// reach the database.
type CachedStore struct {
	next    Store
	c       *gocache.Cache
	missTTL time.Duration
}

func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	missTTL := DefaultMissTTL
	if ttl > 0 && ttl < missTTL {
		missTTL = ttl
	}
	return &CachedStore{next: next, c: gocache.New(ttl, 2*ttl), missTTL: missTTL}
}

// WithMissTTL overrides the negative lookup TTL. Zero disables caching misses.
func (s *CachedStore) WithMissTTL(d time.Duration) *CachedStore {
	s.missTTL = d
	return s
}

func (s *CachedStore) Get(ctx context.Context, id string) (*Actor, error) {
	if v, ok := s.c.Get(id); ok {
		if a, ok := v.(Actor); ok {
			return &a, nil
		}
		return nil, ErrNotFound
	}
	a, err := s.next.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if s.missTTL > 0 {
			s.c.Set(id, missing{}, s.missTTL)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.c.SetDefault(id, *a)
	return a, nil
}

func (s *CachedStore) Upsert(ctx context.Context, a *Actor) error {
	if err := s.next.Upsert(ctx, a); err != nil {
		return err
	}
	s.c.Delete(a.ID)
	return nil
}

func (s *CachedStore) List(ctx context.Context, kind Kind) ([]*Actor, error) {
	return s.next.List(ctx, kind)
}

// Flush drops every cached entry.
func (s *CachedStore) Flush() {
	s.c.Flush()
}
