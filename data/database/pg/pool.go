package pg

import (
	"context"
	"time"

	"VBridge/tools/errs"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN      string `yaml:"dsn" env:"VBRIDGE_PG_DSN"`
	MaxConns int32  `yaml:"max_conns"`
}

// NewPool 建连接池并 Ping 一次
func NewPool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	if c.DSN == "" {
		return nil, errs.ErrInvalidOption.WrapMsg("postgres dsn is empty")
	}
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errs.WrapMsg(err, "parse postgres dsn")
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errs.WrapMsg(err, "unable to connect to database")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "postgres ping")
	}
	return pool, nil
}
