package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consent/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed contract store. Contract mutations
// run in a transaction holding the row lock (SELECT ... FOR UPDATE); request
// transitions are conditional on the row version.
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

// mapPGError turns lock and serialization failures into ErrVersionConflict so
// callers apply their bounded retry.
func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%s: %w", pgErr.Message, ErrVersionConflict)
		}
	}
	return err
}

const requestCols = `id, requester_id, patient_id, requested_data_types, purpose, urgency,
	status, created_at, expires_at, decided_at, decided_by, contract_id, version`

func scanRequest(row pgx.Row) (*ConsentRequest, error) {
	var q ConsentRequest
	err := row.Scan(&q.ID, &q.RequesterID, &q.PatientID, &q.RequestedDataTypes, &q.Purpose, &q.Urgency,
		&q.Status, &q.CreatedAt, &q.ExpiresAt, &q.DecidedAt, &q.DecidedBy, &q.ContractID, &q.Version)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *repoPG) CreateRequest(ctx context.Context, q *ConsentRequest) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	q.Version = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_request (id, requester_id, patient_id, requested_data_types, purpose,
			urgency, status, created_at, expires_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		q.ID, q.RequesterID, q.PatientID, q.RequestedDataTypes, q.Purpose,
		q.Urgency, q.Status, q.CreatedAt, q.ExpiresAt, q.Version)
	return err
}

func (r *repoPG) GetRequest(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	q, err := scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM consent_request WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return q, err
}

func (r *repoPG) casRequest(ctx context.Context, q *ConsentRequest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_request SET status=$3, decided_at=$4, decided_by=$5, contract_id=$6,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		q.ID, q.Version, q.Status, q.DecidedAt, q.DecidedBy, q.ContractID)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consent_request WHERE id = $1)`, q.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("request %s: %w", q.ID, ErrNotFound)
		}
		return fmt.Errorf("request %s changed since version %d: %w", q.ID, q.Version, ErrVersionConflict)
	}
	q.Version++
	return nil
}

func (r *repoPG) UpdateRequest(ctx context.Context, q *ConsentRequest) error {
	return r.casRequest(ctx, q)
}

func (r *repoPG) ApproveRequest(ctx context.Context, q *ConsentRequest, c *ConsentContract) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.WithTx(ctx, func(ctx context.Context) error {
		id := c.ID
		q.ContractID = &id
		if err := r.casRequest(ctx, q); err != nil {
			q.ContractID = nil
			return err
		}
		c.Version = 1
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO consent_contract (id, source_request_id, patient_id, requester_id, urgency,
				allowed_data_types, valid_from, valid_until, max_access_count, access_count,
				status, created_at, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			c.ID, c.SourceRequestID, c.PatientID, c.RequesterID, c.Urgency,
			c.AllowedDataTypes, c.ValidFrom, c.ValidUntil, c.MaxAccessCount, c.AccessCount,
			c.Status, c.CreatedAt, c.Version)
		return mapPGError(err)
	})
}

func (r *repoPG) ListRequests(ctx context.Context, f RequestFilter) ([]*ConsentRequest, int, error) {
	where, args := requestWhere(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consent_request`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + requestCols + ` FROM consent_request` + where + ` ORDER BY created_at DESC, id`
	query, args = withPage(query, args, f.Limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ConsentRequest
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, q)
	}
	return items, total, rows.Err()
}

func requestWhere(f RequestFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.RequesterID != "" {
		args = append(args, f.RequesterID)
		clauses = append(clauses, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		clauses = append(clauses, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func withPage(query string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func (r *repoPG) ListOverdueRequests(ctx context.Context, now time.Time) ([]*ConsentRequest, error) {
	statuses := make([]string, len(NonTerminalStatuses))
	for i, s := range NonTerminalStatuses {
		statuses[i] = string(s)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+requestCols+` FROM consent_request
		WHERE status = ANY($1) AND expires_at < $2 ORDER BY expires_at`, statuses, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ConsentRequest
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	return items, rows.Err()
}

func (r *repoPG) CountRequestsByStatus(ctx context.Context) (map[RequestStatus]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM consent_request GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[RequestStatus]int)
	for rows.Next() {
		var s RequestStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

const contractCols = `id, source_request_id, patient_id, requester_id, urgency, allowed_data_types,
	valid_from, valid_until, max_access_count, access_count, status, last_accessed_at,
	created_at, version`

func scanContract(row pgx.Row) (*ConsentContract, error) {
	var c ConsentContract
	err := row.Scan(&c.ID, &c.SourceRequestID, &c.PatientID, &c.RequesterID, &c.Urgency, &c.AllowedDataTypes,
		&c.ValidFrom, &c.ValidUntil, &c.MaxAccessCount, &c.AccessCount, &c.Status, &c.LastAccessedAt,
		&c.CreatedAt, &c.Version)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) GetContract(ctx context.Context, id uuid.UUID) (*ConsentContract, error) {
	c, err := scanContract(r.conn(ctx).QueryRow(ctx, `SELECT `+contractCols+` FROM consent_contract WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (r *repoPG) ListContracts(ctx context.Context, f ContractFilter) ([]*ConsentContract, int, error) {
	var clauses []string
	var args []interface{}
	if f.RequesterID != "" {
		args = append(args, f.RequesterID)
		clauses = append(clauses, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		clauses = append(clauses, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consent_contract`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + contractCols + ` FROM consent_contract` + where + ` ORDER BY created_at DESC, id`
	query, args = withPage(query, args, f.Limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ConsentContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *repoPG) MutateContract(ctx context.Context, id uuid.UUID, fn MutateFunc) (*ConsentContract, error) {
	var out *ConsentContract
	err := r.WithTx(ctx, func(ctx context.Context) error {
		c, err := scanContract(r.conn(ctx).QueryRow(ctx,
			`SELECT `+contractCols+` FROM consent_contract WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("contract %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return mapPGError(err)
		}

		changed, err := fn(ctx, c)
		if err != nil {
			return err
		}
		if changed {
			_, err := r.conn(ctx).Exec(ctx, `
				UPDATE consent_contract SET access_count=$2, status=$3, last_accessed_at=$4,
					version = version + 1
				WHERE id = $1`,
				c.ID, c.AccessCount, c.Status, c.LastAccessedAt)
			if err != nil {
				return mapPGError(err)
			}
			c.Version++
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, mapPGError(err)
	}
	return out, nil
}
