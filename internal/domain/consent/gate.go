package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/domain/audit"
	"github.com/ehr/consent/internal/platform/metrics"
)

// DenialObserver is told about every denial of an existing contract, after
// the denial has been committed. The violation scanner uses it to schedule
// an out-of-band scan.
type DenialObserver interface {
	ContractDenied(contractID uuid.UUID, reason DenialReason)
}

// Gate is the enforcement point every patient-data read goes through.
type Gate struct {
	contracts ContractRepository
	audit     audit.Recorder
	observer  DenialObserver
	retries   int
	logger    zerolog.Logger
}

func NewGate(contracts ContractRepository, recorder audit.Recorder, policy Policy, logger zerolog.Logger) *Gate {
	return &Gate{
		contracts: contracts,
		audit:     recorder,
		retries:   policy.retries(),
		logger:    logger.With().Str("component", "access_gate").Logger(),
	}
}

// SetDenialObserver attaches an observer for denials.
func (g *Gate) SetDenialObserver(o DenialObserver) {
	g.observer = o
}

// evaluate applies the ordered checks of the gate. It is pure; the caller
// holds the contract's atomic unit.
func evaluate(c *ConsentContract, dataType string, now time.Time) DenialReason {
	switch {
	case c.Status == ContractRevoked || c.Status == ContractSuspended:
		return ReasonRevoked
	case !WithinWindow(c, now):
		return ReasonExpired
	case !c.Allows(dataType):
		return ReasonScopeViolation
	case c.MaxAccessCount != nil && c.AccessCount >= *c.MaxAccessCount:
		return ReasonLimitExceeded
	}
	return ""
}

// AuthorizeAccess decides whether actorID may read dataType under the
// contract at now. A denial is returned as a decision, never as an error;
// errors mean the store was unavailable or retries were exhausted, and the
// caller must fail the read either way. Every outcome, including an unknown
// contract, is written to the audit trail.
func (g *Gate) AuthorizeAccess(ctx context.Context, actorID string, contractID uuid.UUID, dataType string, now time.Time) (*AccessDecision, error) {
	start := time.Now()
	defer func() { metrics.AccessDuration.Observe(time.Since(start).Seconds()) }()

	now = now.UTC()
	dec := &AccessDecision{ContractID: contractID, DataType: dataType, EvaluatedAt: now}

	c, err := mutateWithRetry(ctx, g.contracts, g.retries, contractID, "authorize",
		func(ctx context.Context, c *ConsentContract) (bool, error) {
			reason := evaluate(c, dataType, now)
			changed := false

			e := contractEvent(audit.ActionAccessDenied, actorID, c, now, string(reason), "data_type="+dataType)
			e.DataType = dataType
			switch reason {
			case "":
				c.AccessCount++
				c.LastAccessedAt = &now
				changed = true
				n := c.AccessCount
				e.Action = audit.ActionContractAccessed
				e.Outcome = audit.OutcomeGranted
				e.AccessCount = &n
				e.Detail = ""
			case ReasonExpired:
				// Only a closed window is persisted; a contract that is not
				// yet valid stays active.
				if c.Status == ContractActive && c.ValidUntil != nil && !now.Before(*c.ValidUntil) {
					c.Status = ContractExpired
					changed = true
				}
			}
			if err := g.audit.Record(ctx, e); err != nil {
				return false, err
			}

			dec.Granted = reason == ""
			dec.Reason = reason
			return changed, nil
		})

	if errors.Is(err, ErrNotFound) {
		dec.Reason = ReasonNotFound
		e := &audit.Event{
			Timestamp:  now,
			ActorID:    actorID,
			Action:     audit.ActionAccessDenied,
			ContractID: audit.UUIDRef(contractID),
			DataType:   dataType,
			Outcome:    string(ReasonNotFound),
			Detail:     "data_type=" + dataType,
		}
		if rerr := g.audit.Record(ctx, e); rerr != nil {
			return nil, rerr
		}
		metrics.AccessDecisions.WithLabelValues(string(ReasonNotFound)).Inc()
		return dec, nil
	}
	if err != nil {
		return nil, err
	}

	dec.AccessCount = c.AccessCount
	dec.Remaining = c.Remaining()

	if dec.Granted {
		metrics.AccessDecisions.WithLabelValues(audit.OutcomeGranted).Inc()
		return dec, nil
	}

	metrics.AccessDecisions.WithLabelValues(string(dec.Reason)).Inc()
	g.logger.Info().
		Str("contract_id", contractID.String()).
		Str("actor_id", actorID).
		Str("data_type", dataType).
		Str("reason", string(dec.Reason)).
		Msg("access denied")
	if g.observer != nil {
		g.observer.ContractDenied(contractID, dec.Reason)
	}
	return dec, nil
}

// mutateWithRetry runs fn through the store's per-contract atomic unit,
// retrying a bounded number of times when the store reports a conflict.
func mutateWithRetry(ctx context.Context, repo ContractRepository, retries int, id uuid.UUID, op string, fn MutateFunc) (*ConsentContract, error) {
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		c, err := repo.MutateContract(ctx, id, fn)
		if errors.Is(err, ErrVersionConflict) {
			metrics.WriteConflicts.WithLabelValues(op).Inc()
			continue
		}
		return c, err
	}
	return nil, fmt.Errorf("%s contract %s: %w", op, id, ErrConcurrentModification)
}
