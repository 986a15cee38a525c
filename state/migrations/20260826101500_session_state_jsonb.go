package migrations

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upStateJSONB, downStateJSONB)
}

// Early deployments stored the session blob as TEXT. Convert it to JSONB so the merge
// path can rely on the column containing a valid object.
func upStateJSONB(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var dataType string
	err := tx.QueryRow("select data_type from information_schema.columns where table_name = 'trillsync_sessions' AND column_name = 'state'").Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The table/column doesn't exist and is likely going to be created soon with
			// the correct schema
			return nil
		}
		return err
	}
	if strings.ToLower(dataType) == "jsonb" {
		return nil
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS trillsync_sessions ADD COLUMN IF NOT EXISTS statej JSONB;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE trillsync_sessions SET statej = state::JSONB;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS trillsync_sessions DROP COLUMN IF EXISTS state;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS trillsync_sessions RENAME COLUMN statej TO state;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS trillsync_sessions ALTER COLUMN state SET NOT NULL;")
	return err
}

func downStateJSONB(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS trillsync_sessions ADD COLUMN IF NOT EXISTS statet TEXT;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE trillsync_sessions SET statet = state::TEXT;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS trillsync_sessions DROP COLUMN IF EXISTS state;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS trillsync_sessions RENAME COLUMN statet TO state;")
	return err
}
