package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateGINIndexes creates the full-text search indexes the embedded SQL
// migrations don't: notes and queue item payloads grow free-text columns
// that benefit from GIN indexes, but the migrations already perform the
// CREATE TABLE/INDEX work golang-migrate can track cleanly, so these are
// the two cases deliberately left outside the migration log (they're
// idempotent CREATE IF NOT EXISTS, safe to run on every startup).
func CreateGINIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_note_versions_body_gin
		ON note_versions USING gin(to_tsvector('english', body))`)
	if err != nil {
		return fmt.Errorf("failed to create note_versions body GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_payload_gin
		ON queue_items USING gin(payload)`)
	if err != nil {
		return fmt.Errorf("failed to create queue_items payload GIN index: %w", err)
	}

	return nil
}
