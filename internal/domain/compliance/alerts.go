package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/domain/audit"
	"github.com/ehr/consent/internal/domain/consent"
)

// AlertDesk is the administrative side of alerts: listing and resolution.
type AlertDesk struct {
	alerts Repository
	audit  audit.Recorder
	logger zerolog.Logger
	now    func() time.Time
}

func NewAlertDesk(alerts Repository, recorder audit.Recorder, logger zerolog.Logger) *AlertDesk {
	return &AlertDesk{alerts: alerts, audit: recorder, logger: logger, now: time.Now}
}

func (d *AlertDesk) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, int, error) {
	return d.alerts.ListAlerts(ctx, f)
}

func (d *AlertDesk) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return d.alerts.GetAlert(ctx, id)
}

// ResolveAlert closes an open alert and records alert_resolved. Resolving a
// resolved alert fails with consent.ErrInvalidStateTransition.
func (d *AlertDesk) ResolveAlert(ctx context.Context, id uuid.UUID, adminID, note string) (*Alert, error) {
	if adminID == "" {
		return nil, fmt.Errorf("resolving actor is required: %w", consent.ErrInvalidArgument)
	}
	now := d.now().UTC()
	var resolved *Alert
	err := d.alerts.WithTx(ctx, func(ctx context.Context) error {
		a, err := d.alerts.ResolveAlert(ctx, id, adminID, now)
		if err != nil {
			return err
		}
		resolved = a
		detail := "alert_id=" + a.ID.String() + " type=" + string(a.Type)
		if note != "" {
			detail += " note=" + note
		}
		return d.audit.Record(ctx, &audit.Event{
			Timestamp:  now,
			ActorID:    adminID,
			Action:     audit.ActionAlertResolved,
			ContractID: audit.UUIDRef(a.ContractID),
			Outcome:    audit.OutcomeSuccess,
			Detail:     detail,
		})
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info().
		Str("alert_id", id.String()).
		Str("type", string(resolved.Type)).
		Str("actor_id", adminID).
		Msg("compliance alert resolved")
	return resolved, nil
}
