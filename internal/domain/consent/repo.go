package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RequestRepository persists consent requests. Updates are conditional on
// the version the caller read; a stale version yields ErrVersionConflict and
// a successful write increments Version.
type RequestRepository interface {
	CreateRequest(ctx context.Context, r *ConsentRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*ConsentRequest, error)
	UpdateRequest(ctx context.Context, r *ConsentRequest) error
	// ApproveRequest commits the approving update of r and inserts c as one
	// atomic unit: either both land or neither does.
	ApproveRequest(ctx context.Context, r *ConsentRequest, c *ConsentContract) error
	ListRequests(ctx context.Context, f RequestFilter) ([]*ConsentRequest, int, error)
	// ListOverdueRequests returns non-terminal requests whose ExpiresAt is
	// before now.
	ListOverdueRequests(ctx context.Context, now time.Time) ([]*ConsentRequest, error)
	CountRequestsByStatus(ctx context.Context) (map[RequestStatus]int, error)
}

// MutateFunc inspects and may modify the contract. Returning true persists
// the modification; returning an error discards it. ctx carries the store's
// transaction, so writes made through it (audit events) commit together with
// the contract.
type MutateFunc func(ctx context.Context, c *ConsentContract) (bool, error)

// ContractRepository persists contracts. MutateContract is the only write
// path after creation and runs as a single atomic unit per contract.
type ContractRepository interface {
	GetContract(ctx context.Context, id uuid.UUID) (*ConsentContract, error)
	ListContracts(ctx context.Context, f ContractFilter) ([]*ConsentContract, int, error)
	MutateContract(ctx context.Context, id uuid.UUID, fn MutateFunc) (*ConsentContract, error)
}

// Repository is the contract store: requests and contracts together, plus a
// transaction boundary the services use to commit audit events with state.
type Repository interface {
	RequestRepository
	ContractRepository
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
