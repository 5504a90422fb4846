package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres alert store. Deduplication relies on the
// partial unique index over open alerts per (contract_id, type).
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *repoPG) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, _ pgx.Tx) error {
		return fn(ctx)
	})
}

const alertCols = `id, type, severity, contract_id, detail, evidence_event_id, evidence_seq,
	created_at, resolved, resolved_at, resolved_by`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	var resolvedBy *string
	err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.ContractID, &a.Detail, &a.EvidenceEventID, &a.EvidenceSeq,
		&a.CreatedAt, &a.Resolved, &a.ResolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	if resolvedBy != nil {
		a.ResolvedBy = *resolvedBy
	}
	return &a, nil
}

func (r *repoPG) CreateAlert(ctx context.Context, a *Alert) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO compliance_alert (id, type, severity, contract_id, detail, evidence_event_id,
			evidence_seq, created_at, resolved)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, false
		WHERE NOT EXISTS (
			SELECT 1 FROM compliance_alert
			WHERE contract_id = $4 AND type = $2 AND resolved AND evidence_seq >= $7)
		ON CONFLICT (contract_id, type) WHERE NOT resolved DO NOTHING`,
		a.ID, a.Type, a.Severity, a.ContractID, a.Detail, a.EvidenceEventID, a.EvidenceSeq, a.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	a, err := scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM compliance_alert WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, consent.ErrNotFound)
	}
	return a, err
}

func (r *repoPG) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, int, error) {
	var clauses []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ContractID != nil {
		add("contract_id = $%d", *f.ContractID)
	}
	if f.Resolved != nil {
		add("resolved = $%d", *f.Resolved)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", types)
	}
	if len(f.Severities) > 0 {
		sevs := make([]string, len(f.Severities))
		for i, s := range f.Severities {
			sevs[i] = string(s)
		}
		add("severity = ANY($%d)", sevs)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM compliance_alert`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + alertCols + ` FROM compliance_alert` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ResolveAlert(ctx context.Context, id uuid.UUID, by string, at time.Time) (*Alert, error) {
	a, err := scanAlert(r.conn(ctx).QueryRow(ctx, `
		UPDATE compliance_alert SET resolved = true, resolved_at = $2, resolved_by = $3
		WHERE id = $1 AND NOT resolved
		RETURNING `+alertCols, id, at, by))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, gerr := r.GetAlert(ctx, id); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("alert %s already resolved: %w", id, consent.ErrInvalidStateTransition)
}
