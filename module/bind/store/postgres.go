package store

import (
	"context"
	"errors"

	"VBridge/module/bind/model"
	"VBridge/tools/errs"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS vb_bindings (
	chat_id    BIGINT PRIMARY KEY,
	world_id   TEXT NOT NULL UNIQUE,
	world_name TEXT NOT NULL DEFAULT '',
	bound_at   TIMESTAMPTZ NOT NULL,
	operator   TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	group_id   BIGINT NOT NULL DEFAULT 0
)`

// PgPersister PostgreSQL 表持久化
type PgPersister struct {
	pool *pgxpool.Pool
}

func NewPgPersister(ctx context.Context, pool *pgxpool.Pool) (*PgPersister, error) {
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, errs.WrapMsg(err, "create vb_bindings")
	}
	return &PgPersister{pool: pool}, nil
}

func (p *PgPersister) Load(ctx context.Context) ([]model.Binding, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT chat_id, world_id, world_name, bound_at, operator, source, group_id FROM vb_bindings`)
	if err != nil {
		return nil, errs.WrapMsg(err, "query bindings")
	}
	defer rows.Close()

	var out []model.Binding
	for rows.Next() {
		var b model.Binding
		var src string
		if err := rows.Scan(&b.ChatID, &b.WorldID, &b.WorldName, &b.BoundAt, &b.Operator, &src, &b.GroupID); err != nil {
			return nil, errs.WrapMsg(err, "scan binding")
		}
		b.Source = model.Source(src)
		out = append(out, b)
	}
	return out, errs.WrapMsg(rows.Err(), "iterate bindings")
}

func (p *PgPersister) Persist(ctx context.Context, m Mutation, _ []model.Binding) error {
	b := m.Binding
	switch m.Op {
	case OpBind:
		_, err := p.pool.Exec(ctx,
			`INSERT INTO vb_bindings (chat_id, world_id, world_name, bound_at, operator, source, group_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.ChatID, b.WorldID, b.WorldName, b.BoundAt, b.Operator, string(b.Source), b.GroupID)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errs.ErrConflict.WrapMsg("postgres unique constraint", "constraint", pgErr.ConstraintName)
		}
		return errs.WrapMsg(err, "insert binding")
	case OpUnbind:
		_, err := p.pool.Exec(ctx, `DELETE FROM vb_bindings WHERE chat_id = $1`, b.ChatID)
		return errs.WrapMsg(err, "delete binding")
	}
	return errs.ErrInvalidOption.WrapMsg("unknown op", "op", m.Op)
}

func (p *PgPersister) Close() error {
	p.pool.Close()
	return nil
}
