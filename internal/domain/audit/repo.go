package audit

import (
	"context"
)

// Repository persists audit events. It deliberately has no update or delete
// operation: the trail is append-only.
type Repository interface {
	// Append stores e and assigns e.Seq.
	Append(ctx context.Context, e *Event) error
	// List returns matching events ordered by Seq.
	List(ctx context.Context, f Filter) ([]*Event, error)
}
