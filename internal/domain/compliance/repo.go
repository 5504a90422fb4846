package compliance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists compliance alerts. Alerts are never deleted.
type Repository interface {
	// CreateAlert inserts a unless an unresolved alert of the same type is
	// already open on the contract, or a resolved one of that type already
	// covers evidence at or after a.EvidenceSeq. It reports whether a was
	// inserted; the check and insert are one atomic unit.
	CreateAlert(ctx context.Context, a *Alert) (bool, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, int, error)
	// ResolveAlert marks the alert resolved. Resolving a resolved alert is
	// an invalid state transition.
	ResolveAlert(ctx context.Context, id uuid.UUID, by string, at time.Time) (*Alert, error)
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
