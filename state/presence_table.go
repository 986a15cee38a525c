package state

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// How long a presence row stays visible without a fresh heartbeat. Absence of
// heartbeats is the leave signal; there is no explicit leave requirement.
const PresenceTimeout = 15 * time.Second

type PresenceRow struct {
	SessionID string `db:"session_id"`
	UserID    string `db:"user_id"`
	Username  string `db:"username"`
	Avatar    string `db:"avatar"`
	// LastSeen is epoch seconds of the most recent heartbeat.
	LastSeen int64 `db:"last_seen"`
}

// PresenceTable tracks which users are actively participating in which sessions.
// Rows are refreshed by heartbeats and garbage-collected lazily by readers: there is
// no background sweep, so a stale row persists until the next read of its session.
type PresenceTable struct {
	db *sqlx.DB
}

func NewPresenceTable(db *sqlx.DB) *PresenceTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS trillsync_presence (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT '',
		last_seen BIGINT NOT NULL,
		UNIQUE(session_id, user_id)
	);
	`)
	return &PresenceTable{db}
}

// Upsert inserts or refreshes the (session, user) row with last_seen = now.
func (t *PresenceTable) Upsert(sessionID, userID, username, avatar string, now time.Time) error {
	_, err := t.db.Exec(`
		INSERT INTO trillsync_presence(session_id, user_id, username, avatar, last_seen)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, user_id) DO UPDATE SET username = $3, avatar = $4, last_seen = $5`,
		sessionID, userID, username, avatar, now.Unix(),
	)
	return err
}

// SelectActive evicts every row for this session older than the presence timeout,
// then returns the remainder. A row past the timeout must never be returned to a
// reader, not even once, so the delete happens in the same transaction as the select.
func (t *PresenceTable) SelectActive(txn *sqlx.Tx, sessionID string, now time.Time) (rows []PresenceRow, evicted int64, err error) {
	cutoff := now.Add(-PresenceTimeout).Unix()
	res, err := txn.Exec(`DELETE FROM trillsync_presence WHERE session_id=$1 AND last_seen < $2`, sessionID, cutoff)
	if err != nil {
		return nil, 0, err
	}
	evicted, err = res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}
	err = txn.Select(&rows, `SELECT session_id, user_id, username, avatar, last_seen
		FROM trillsync_presence WHERE session_id=$1 ORDER BY user_id`, sessionID)
	return rows, evicted, err
}

// Delete removes the (session, user) row immediately, rather than waiting for the
// timeout. Used by explicit leaves.
func (t *PresenceTable) Delete(sessionID, userID string) error {
	_, err := t.db.Exec(`DELETE FROM trillsync_presence WHERE session_id=$1 AND user_id=$2`, sessionID, userID)
	return err
}

// DeleteSession removes all presence rows for a session. Used when a session is
// destroyed.
func (t *PresenceTable) DeleteSession(txn *sqlx.Tx, sessionID string) error {
	_, err := txn.Exec(`DELETE FROM trillsync_presence WHERE session_id=$1`, sessionID)
	return err
}
