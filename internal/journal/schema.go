package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS presence_events (
	id          BIGSERIAL PRIMARY KEY,
	instance_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
	INSERT INTO presence_events (instance_id, kind, entity_id, user_id, occurred_at)
	VALUES ($1, $2, $3, $4, $5)
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the presence_events table if it does not exist.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create presence_events: %w", err)
	}
	return nil
}
