package msgrpc

import (
	"context"
	"database/sql"
)

// MigrateSchema creates the corrupted-response table if it does not exist.
// Safe to call on every startup; all statements use IF NOT EXISTS.
func MigrateSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS corrupted_messages (
	id           BIGSERIAL PRIMARY KEY,
	transport_id BIGINT NOT NULL,
	session_id   BIGINT NOT NULL,
	message_id   BIGINT,
	remote       TEXT NOT NULL DEFAULT '',
	stage        TEXT NOT NULL,
	reason       TEXT NOT NULL,
	data         BYTEA NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_corrupted_messages_received_at ON corrupted_messages (received_at);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}
