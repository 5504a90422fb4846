package actors

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore reads and writes the actor table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, id string) (*Actor, error) {
	var a Actor
	var email *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, display_name, email, active, updated_at
		FROM actor WHERE id = $1`, id).
		Scan(&a.ID, &a.Kind, &a.DisplayName, &email, &a.Active, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get actor: %w", err)
	}
	if email != nil {
		a.Email = *email
	}
	return &a, nil
}

func (s *PGStore) Upsert(ctx context.Context, a *Actor) error {
	var email *string
	if a.Email != "" {
		email = &a.Email
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO actor (id, kind, display_name, email, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Kind, a.DisplayName, email, a.Active, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert actor: %w", err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, kind Kind) ([]*Actor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, display_name, email, active, updated_at
		FROM actor WHERE ($1 = '' OR kind = $1) ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list actors: %w", err)
	}
	defer rows.Close()

	var out []*Actor
	for rows.Next() {
		var a Actor
		var email *string
		if err := rows.Scan(&a.ID, &a.Kind, &a.DisplayName, &email, &a.Active, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if email != nil {
			a.Email = *email
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
