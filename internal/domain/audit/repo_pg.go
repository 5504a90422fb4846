package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consent/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres audit repository. Appends join the
// transaction bound to ctx, so an event commits or rolls back with the state
// change it describes. The table itself rejects UPDATE and DELETE.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const eventCols = `seq, id, occurred_at, actor_id, action, contract_id, request_id,
	data_type, access_count, outcome, detail, hash`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.ActorID, &e.Action, &e.ContractID, &e.RequestID,
		&e.DataType, &e.AccessCount, &e.Outcome, &e.Detail, &e.Hash)
	if err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func (r *repoPG) Append(ctx context.Context, e *Event) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO audit_event (id, occurred_at, actor_id, action, contract_id, request_id,
			data_type, access_count, outcome, detail, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING seq`,
		e.ID, e.Timestamp, e.ActorID, e.Action, e.ContractID, e.RequestID,
		e.DataType, e.AccessCount, e.Outcome, e.Detail, e.Hash).Scan(&e.Seq)
}

func (r *repoPG) List(ctx context.Context, f Filter) ([]*Event, error) {
	var clauses []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ContractID != nil {
		add("contract_id = $%d", *f.ContractID)
	}
	if f.RequestID != nil {
		add("request_id = $%d", *f.RequestID)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		add("action = ANY($%d)", actions)
	}
	if f.From != nil {
		add("occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("occurred_at < $%d", *f.To)
	}
	if f.AfterSeq > 0 {
		add("seq > $%d", f.AfterSeq)
	}

	query := `SELECT ` + eventCols + ` FROM audit_event`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
