package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/domain/audit"
	"github.com/ehr/consent/internal/platform/metrics"
)

// SystemActor is recorded as the actor of sweeps and other scheduled work.
const SystemActor = "system"

// RequesterDirectory answers whether an actor may file consent requests.
type RequesterDirectory interface {
	IsKnownRequester(ctx context.Context, actorID string) (bool, error)
}

// PatientNotifier delivers the "you have a consent request" message. It is
// fire-and-forget: a failure is logged and never rolls back the transition.
type PatientNotifier interface {
	NotifyConsentRequest(ctx context.Context, r *ConsentRequest) error
}

// Service is the request lifecycle manager. It owns every transition of a
// ConsentRequest and the administrative actions on contracts.
type Service struct {
	repo       Repository
	audit      audit.Recorder
	requesters RequesterDirectory
	notifier   PatientNotifier
	policy     Policy
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, recorder audit.Recorder, requesters RequesterDirectory, policy Policy, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		audit:      recorder,
		requesters: requesters,
		policy:     policy,
		logger:     logger.With().Str("component", "consent_lifecycle").Logger(),
		now:        time.Now,
	}
}

// SetNotifier attaches the patient notifier. Without one, NotifyPatient only
// records the transition.
func (s *Service) SetNotifier(n PatientNotifier) {
	s.notifier = n
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Policy returns the policy the service was built with.
func (s *Service) Policy() Policy {
	return s.policy
}

// change is what one transition step wants committed.
type change struct {
	event    *audit.Event
	contract *ConsentContract
	// after is returned to the caller once the change has been committed.
	after error
}

func requestEvent(action audit.Action, actorID string, r *ConsentRequest, now time.Time, outcome, detail string) *audit.Event {
	e := &audit.Event{
		Timestamp: now,
		ActorID:   actorID,
		Action:    action,
		RequestID: audit.UUIDRef(r.ID),
		Outcome:   outcome,
		Detail:    detail,
	}
	if r.ContractID != nil {
		e.ContractID = audit.UUIDRef(*r.ContractID)
	}
	return e
}

// expireStep moves an overdue request to expired. The caller still gets
// ErrInvalidStateTransition because the transition it asked for is gone.
func expireStep(r *ConsentRequest, now time.Time, actorID string) *change {
	r.Status = StatusExpired
	return &change{
		event: requestEvent(audit.ActionRequestExpired, actorID, r, now, audit.OutcomeSuccess,
			"response deadline "+r.ExpiresAt.Format(time.RFC3339)+" passed"),
		after: fmt.Errorf("request %s expired at %s: %w", r.ID, r.ExpiresAt.Format(time.RFC3339), ErrInvalidStateTransition),
	}
}

// transition reads the request, applies step and commits the result only if
// the stored version is unchanged. A lost race is retried against the fresh
// state, so a step that is no longer allowed fails on re-evaluation. A nil
// change from step is a no-op.
func (s *Service) transition(ctx context.Context, id uuid.UUID, op string, step func(r *ConsentRequest) (*change, error)) (*ConsentRequest, bool, error) {
	for attempt := 0; attempt < s.policy.retries(); attempt++ {
		r, err := s.repo.GetRequest(ctx, id)
		if err != nil {
			return nil, false, err
		}
		from := r.Status

		ch, err := step(r)
		if err != nil {
			return nil, false, err
		}
		if ch == nil {
			return r, false, nil
		}

		err = s.repo.WithTx(ctx, func(ctx context.Context) error {
			if ch.contract != nil {
				if err := s.repo.ApproveRequest(ctx, r, ch.contract); err != nil {
					return err
				}
				ch.event.ContractID = audit.UUIDRef(ch.contract.ID)
			} else if err := s.repo.UpdateRequest(ctx, r); err != nil {
				return err
			}
			return s.audit.Record(ctx, ch.event)
		})
		if errors.Is(err, ErrVersionConflict) {
			metrics.WriteConflicts.WithLabelValues(op).Inc()
			s.logger.Debug().Str("request_id", id.String()).Str("op", op).Int("attempt", attempt+1).Msg("request write conflict, retrying")
			continue
		}
		if err != nil {
			return nil, false, err
		}

		metrics.RequestTransitions.WithLabelValues(string(from), string(r.Status)).Inc()
		s.logger.Debug().
			Str("request_id", id.String()).
			Str("from", string(from)).
			Str("to", string(r.Status)).
			Msg("consent request transition")
		return r, true, ch.after
	}
	return nil, false, fmt.Errorf("%s request %s: %w", op, id, ErrConcurrentModification)
}

// scopeSet validates every tag against the policy and returns the sorted,
// de-duplicated set. Blank tags are unknown tags.
func (s *Service) scopeSet(dataTypes []string) ([]string, error) {
	for _, t := range dataTypes {
		if !s.policy.KnowsScope(t) {
			return nil, fmt.Errorf("unknown scope tag %q: %w", t, ErrInvalidScope)
		}
	}
	tags := normalizeTags(dataTypes)
	if len(tags) == 0 {
		return nil, fmt.Errorf("at least one data type is required: %w", ErrInvalidScope)
	}
	return tags, nil
}

// CreateRequest files a new consent request in the pending state.
func (s *Service) CreateRequest(ctx context.Context, requesterID, patientID string, dataTypes []string, purpose string, urgency Urgency) (*ConsentRequest, error) {
	if urgency == "" {
		urgency = UrgencyNormal
	}
	if !validUrgencies[urgency] {
		return nil, fmt.Errorf("urgency %q: %w", urgency, ErrInvalidArgument)
	}
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required: %w", ErrInvalidArgument)
	}
	if requesterID == "" {
		return nil, fmt.Errorf("requester_id is required: %w", ErrInvalidRequester)
	}
	known, err := s.requesters.IsKnownRequester(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("look up requester: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("requester %q is not a known actor: %w", requesterID, ErrInvalidRequester)
	}

	tags, err := s.scopeSet(dataTypes)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &ConsentRequest{
		ID:                 uuid.New(),
		RequesterID:        requesterID,
		PatientID:          patientID,
		RequestedDataTypes: tags,
		Purpose:            purpose,
		Urgency:            urgency,
		Status:             StatusPending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.policy.ResponseWindow(urgency)),
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateRequest(ctx, r); err != nil {
			return err
		}
		return s.audit.Record(ctx, requestEvent(audit.ActionRequestCreated, requesterID, r, now,
			audit.OutcomeSuccess, "data_types="+strings.Join(tags, ",")+" urgency="+string(urgency)))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("request_id", r.ID.String()).
		Str("requester_id", requesterID).
		Str("urgency", string(urgency)).
		Time("expires_at", r.ExpiresAt).
		Msg("consent request created")
	return r, nil
}

// NotifyPatient moves a pending request to sent_to_patient and hands it to
// the notifier. Calling it on a request that is already past pending is a
// no-op.
func (s *Service) NotifyPatient(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	now := s.now().UTC()
	r, changed, err := s.transition(ctx, id, "notify", func(r *ConsentRequest) (*change, error) {
		if r.Status != StatusPending {
			return nil, nil
		}
		if r.ExpiredAt(now) {
			return expireStep(r, now, SystemActor), nil
		}
		r.Status = StatusSentToPatient
		return &change{event: requestEvent(audit.ActionRequestSent, SystemActor, r, now, audit.OutcomeSuccess, "")}, nil
	})
	if err != nil {
		return nil, err
	}
	if changed && s.notifier != nil {
		if nerr := s.notifier.NotifyConsentRequest(ctx, r); nerr != nil {
			metrics.NotificationFailures.Inc()
			s.logger.Warn().Err(nerr).Str("request_id", id.String()).Msg("patient notification failed")
		}
	}
	return r, nil
}

// BeginReview records that the patient opened the request.
func (s *Service) BeginReview(ctx context.Context, id uuid.UUID, actorID string) (*ConsentRequest, error) {
	now := s.now().UTC()
	r, _, err := s.transition(ctx, id, "review", func(r *ConsentRequest) (*change, error) {
		switch {
		case r.Status == StatusPatientReviewing && !r.ExpiredAt(now):
			return nil, nil
		case r.Status.IsTerminal():
			return nil, fmt.Errorf("request %s is %s: %w", r.ID, r.Status, ErrInvalidStateTransition)
		case r.ExpiredAt(now):
			return expireStep(r, now, SystemActor), nil
		case r.Status != StatusSentToPatient:
			return nil, fmt.Errorf("request %s is %s, patient has not been notified: %w", r.ID, r.Status, ErrInvalidStateTransition)
		}
		r.Status = StatusPatientReviewing
		return &change{event: requestEvent(audit.ActionRequestReviewing, actorID, r, now, audit.OutcomeSuccess, "")}, nil
	})
	return r, err
}

// DecisionInput carries the patient's answer. AllowedDataTypes narrows the
// requested scope; empty keeps the full requested set. MaxAccessCount
// overrides the policy budget.
type DecisionInput struct {
	Decision         Decision `json:"decision"`
	AllowedDataTypes []string `json:"allowed_data_types,omitempty"`
	MaxAccessCount   *int     `json:"max_access_count,omitempty"`
}

// RecordPatientDecision approves or rejects a request that has been sent to
// the patient. Approval creates the contract in the same atomic write.
func (s *Service) RecordPatientDecision(ctx context.Context, id uuid.UUID, actorID string, in DecisionInput) (*ConsentRequest, *ConsentContract, error) {
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return nil, nil, fmt.Errorf("decision %q: %w", in.Decision, ErrInvalidArgument)
	}
	if in.MaxAccessCount != nil && *in.MaxAccessCount < 1 {
		return nil, nil, fmt.Errorf("max_access_count must be at least 1: %w", ErrInvalidArgument)
	}
	var narrowed []string
	if len(in.AllowedDataTypes) > 0 {
		var err error
		if narrowed, err = s.scopeSet(in.AllowedDataTypes); err != nil {
			return nil, nil, err
		}
	}

	now := s.now().UTC()
	var contract *ConsentContract
	r, _, err := s.transition(ctx, id, "decision", func(r *ConsentRequest) (*change, error) {
		contract = nil
		switch {
		case r.Status.IsTerminal():
			return nil, fmt.Errorf("request %s is %s: %w", r.ID, r.Status, ErrInvalidStateTransition)
		case r.Status != StatusSentToPatient && r.Status != StatusPatientReviewing:
			return nil, fmt.Errorf("request %s is %s, patient has not been notified: %w", r.ID, r.Status, ErrInvalidStateTransition)
		case r.ExpiredAt(now):
			return expireStep(r, now, SystemActor), nil
		}

		decidedBy := actorID
		r.DecidedAt = &now
		r.DecidedBy = &decidedBy

		if in.Decision == DecisionReject {
			r.Status = StatusRejected
			return &change{event: requestEvent(audit.ActionRequestRejected, actorID, r, now, audit.OutcomeSuccess, "rejected by patient")}, nil
		}

		allowed := r.RequestedDataTypes
		if narrowed != nil {
			allowed = narrowed
			if !isSubset(allowed, r.RequestedDataTypes) {
				return nil, fmt.Errorf("allowed data types %v are not a subset of requested %v: %w",
					allowed, r.RequestedDataTypes, ErrInvalidScope)
			}
		}

		c := &ConsentContract{
			ID:               uuid.New(),
			SourceRequestID:  r.ID,
			PatientID:        r.PatientID,
			RequesterID:      r.RequesterID,
			Urgency:          r.Urgency,
			AllowedDataTypes: append([]string(nil), allowed...),
			ValidFrom:        now,
			MaxAccessCount:   s.policy.MaxAccessCount(r.Urgency),
			Status:           ContractActive,
			CreatedAt:        now,
		}
		if v := s.policy.ContractValidity(r.Urgency); v > 0 {
			until := now.Add(v)
			c.ValidUntil = &until
		}
		if in.MaxAccessCount != nil {
			n := *in.MaxAccessCount
			c.MaxAccessCount = &n
		}
		contract = c

		r.Status = StatusApproved
		return &change{
			event:    requestEvent(audit.ActionRequestApproved, actorID, r, now, audit.OutcomeSuccess, "allowed="+strings.Join(allowed, ",")),
			contract: c,
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if contract != nil {
		s.logger.Info().
			Str("request_id", r.ID.String()).
			Str("contract_id", contract.ID.String()).
			Strs("allowed", contract.AllowedDataTypes).
			Msg("consent contract issued")
	}
	return r, contract, nil
}

// WithdrawRequest lets the requester cancel a request before the patient
// decides. It is audited like a rejection with outcome "withdrawn".
func (s *Service) WithdrawRequest(ctx context.Context, id uuid.UUID, actorID string) (*ConsentRequest, error) {
	now := s.now().UTC()
	r, _, err := s.transition(ctx, id, "withdraw", func(r *ConsentRequest) (*change, error) {
		if r.Status.IsTerminal() {
			return nil, fmt.Errorf("request %s is %s: %w", r.ID, r.Status, ErrInvalidStateTransition)
		}
		if r.ExpiredAt(now) {
			return expireStep(r, now, SystemActor), nil
		}
		decidedBy := actorID
		r.Status = StatusWithdrawn
		r.DecidedAt = &now
		r.DecidedBy = &decidedBy
		return &change{event: requestEvent(audit.ActionRequestRejected, actorID, r, now, audit.OutcomeWithdrawn, "withdrawn by requester")}, nil
	})
	return r, err
}

// SweepExpired expires every non-terminal request whose deadline is before
// now. A request decided concurrently is left alone. It returns the number
// of requests expired.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	overdue, err := s.repo.ListOverdueRequests(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list overdue requests: %w", err)
	}

	expired := 0
	var errs []error
	for _, candidate := range overdue {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, changed, err := s.transition(ctx, candidate.ID, "sweep", func(r *ConsentRequest) (*change, error) {
			if !r.ExpiredAt(now) {
				return nil, nil
			}
			r.Status = StatusExpired
			return &change{event: requestEvent(audit.ActionRequestExpired, SystemActor, r, now, audit.OutcomeSuccess,
				"response deadline "+r.ExpiresAt.Format(time.RFC3339)+" passed")}, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			expired++
		}
	}

	if expired > 0 || len(errs) > 0 {
		s.logger.Info().Int("expired", expired).Int("errors", len(errs)).Msg("request expiry sweep finished")
	}
	return expired, errors.Join(errs...)
}

// ExpireContracts persists status=expired on active contracts whose window
// has closed, so stored status follows real time.
func (s *Service) ExpireContracts(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	active, _, err := s.repo.ListContracts(ctx, ContractFilter{Statuses: []ContractStatus{ContractActive}})
	if err != nil {
		return 0, fmt.Errorf("list active contracts: %w", err)
	}

	expired := 0
	var errs []error
	for _, candidate := range active {
		if candidate.ValidUntil == nil || now.Before(*candidate.ValidUntil) {
			continue
		}
		changed := false
		_, err := mutateWithRetry(ctx, s.repo, s.policy.retries(), candidate.ID, "expire_contract",
			func(ctx context.Context, c *ConsentContract) (bool, error) {
				changed = false
				if c.Status != ContractActive || WithinWindow(c, now) {
					return false, nil
				}
				c.Status = ContractExpired
				changed = true
				return true, s.audit.Record(ctx, contractEvent(audit.ActionContractExpired, SystemActor, c, now,
					audit.OutcomeSuccess, "validity window closed"))
			})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			expired++
			metrics.ContractTransitions.WithLabelValues(string(ContractExpired)).Inc()
		}
	}
	if expired > 0 || len(errs) > 0 {
		s.logger.Info().Int("expired", expired).Int("errors", len(errs)).Msg("contract expiry sweep finished")
	}
	return expired, errors.Join(errs...)
}

func contractEvent(action audit.Action, actorID string, c *ConsentContract, now time.Time, outcome, detail string) *audit.Event {
	return &audit.Event{
		Timestamp:  now,
		ActorID:    actorID,
		Action:     action,
		ContractID: audit.UUIDRef(c.ID),
		RequestID:  audit.UUIDRef(c.SourceRequestID),
		Outcome:    outcome,
		Detail:     detail,
	}
}

// adminTransition applies an administrative status change to a contract.
func (s *Service) adminTransition(ctx context.Context, id uuid.UUID, op string, action audit.Action, actorID, reason string,
	apply func(c *ConsentContract, now time.Time) error) (*ConsentContract, error) {
	now := s.now().UTC()
	c, err := mutateWithRetry(ctx, s.repo, s.policy.retries(), id, op, func(ctx context.Context, c *ConsentContract) (bool, error) {
		if err := apply(c, now); err != nil {
			return false, err
		}
		return true, s.audit.Record(ctx, contractEvent(action, actorID, c, now, audit.OutcomeSuccess, reason))
	})
	if err != nil {
		return nil, err
	}
	metrics.ContractTransitions.WithLabelValues(string(c.Status)).Inc()
	s.logger.Info().
		Str("contract_id", id.String()).
		Str("status", string(c.Status)).
		Str("actor_id", actorID).
		Msg("consent contract " + op)
	return c, nil
}

// RevokeContract permanently ends a contract.
func (s *Service) RevokeContract(ctx context.Context, id uuid.UUID, actorID, reason string) (*ConsentContract, error) {
	return s.adminTransition(ctx, id, "revoke", audit.ActionContractRevoked, actorID, reason,
		func(c *ConsentContract, _ time.Time) error {
			if c.Status == ContractRevoked {
				return fmt.Errorf("contract %s is already revoked: %w", c.ID, ErrInvalidStateTransition)
			}
			c.Status = ContractRevoked
			return nil
		})
}

// SuspendContract blocks access until the contract is reinstated.
func (s *Service) SuspendContract(ctx context.Context, id uuid.UUID, actorID, reason string) (*ConsentContract, error) {
	return s.adminTransition(ctx, id, "suspend", audit.ActionContractSuspended, actorID, reason,
		func(c *ConsentContract, now time.Time) error {
			if EffectiveStatus(c, now) != ContractActive {
				return fmt.Errorf("contract %s is %s: %w", c.ID, EffectiveStatus(c, now), ErrInvalidStateTransition)
			}
			c.Status = ContractSuspended
			return nil
		})
}

// ReinstateContract lifts a suspension. A contract whose window closed while
// suspended comes back as expired.
func (s *Service) ReinstateContract(ctx context.Context, id uuid.UUID, actorID, reason string) (*ConsentContract, error) {
	return s.adminTransition(ctx, id, "reinstate", audit.ActionContractReinstated, actorID, reason,
		func(c *ConsentContract, now time.Time) error {
			if c.Status != ContractSuspended {
				return fmt.Errorf("contract %s is %s, not suspended: %w", c.ID, c.Status, ErrInvalidStateTransition)
			}
			c.Status = ContractActive
			if !WithinWindow(c, now) {
				c.Status = ContractExpired
			}
			return nil
		})
}

// ReviewContract records an administrative review of the contract's usage.
// For emergency contracts this clears the unresolved-access check.
func (s *Service) ReviewContract(ctx context.Context, id uuid.UUID, actorID, note string) (*audit.Event, error) {
	c, err := s.repo.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	e := contractEvent(audit.ActionContractReviewed, actorID, c, s.now().UTC(), audit.OutcomeSuccess, note)
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	return s.repo.GetRequest(ctx, id)
}

func (s *Service) ListRequests(ctx context.Context, f RequestFilter) ([]*ConsentRequest, int, error) {
	return s.repo.ListRequests(ctx, f)
}

func (s *Service) GetContract(ctx context.Context, id uuid.UUID) (*ConsentContract, error) {
	return s.repo.GetContract(ctx, id)
}

func (s *Service) ListContracts(ctx context.Context, f ContractFilter) ([]*ConsentContract, int, error) {
	return s.repo.ListContracts(ctx, f)
}
