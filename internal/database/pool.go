package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/telelink/internal/config"
)

// Schema creates the table delivered items are recorded into. Items are
// unique per session, stream and item number so replays are ignored.
const Schema = `
CREATE TABLE IF NOT EXISTS telegram_items (
	id          UUID PRIMARY KEY,
	session     TEXT        NOT NULL,
	stream      BIGINT      NOT NULL,
	item        BIGINT      NOT NULL,
	priority    SMALLINT    NOT NULL,
	size        INTEGER     NOT NULL,
	payload     BYTEA       NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	UNIQUE (session, stream, item)
)`

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the recorder table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
