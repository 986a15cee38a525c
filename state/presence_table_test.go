package state

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/starspacegroup/trill-sync/sqlutil"
)

func selectActive(t *testing.T, db *sqlx.DB, table *PresenceTable, sessionID string, now time.Time) []PresenceRow {
	t.Helper()
	var rows []PresenceRow
	err := sqlutil.WithTransaction(db, func(txn *sqlx.Tx) (err error) {
		rows, _, err = table.SelectActive(txn, sessionID, now)
		return err
	})
	assertNoError(t, err)
	return rows
}

func TestPresenceTable(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewPresenceTable(db)
	sessionID := "sess_presence"
	now := time.Now()

	assertNoError(t, table.Upsert(sessionID, "u1", "alice", "avatars/alice.png", now))
	assertNoError(t, table.Upsert(sessionID, "u2", "bob", "", now))

	rows := selectActive(t, db, table, sessionID, now)
	if len(rows) != 2 {
		t.Fatalf("got %d rows want 2", len(rows))
	}
	if rows[0].UserID != "u1" || rows[0].Username != "alice" || rows[0].Avatar != "avatars/alice.png" {
		t.Errorf("got row %+v", rows[0])
	}

	// refreshing updates last_seen and identity fields without duplicating the row
	assertNoError(t, table.Upsert(sessionID, "u1", "alice2", "", now.Add(2*time.Second)))
	rows = selectActive(t, db, table, sessionID, now.Add(2*time.Second))
	if len(rows) != 2 {
		t.Fatalf("got %d rows after refresh, want 2", len(rows))
	}
	if rows[0].Username != "alice2" {
		t.Errorf("refresh did not update username: %+v", rows[0])
	}

	// explicit leave removes the row immediately
	assertNoError(t, table.Delete(sessionID, "u2"))
	rows = selectActive(t, db, table, sessionID, now.Add(2*time.Second))
	if len(rows) != 1 || rows[0].UserID != "u1" {
		t.Fatalf("got rows %+v after delete, want just u1", rows)
	}
}

func TestPresenceTableEvictsStaleRows(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewPresenceTable(db)
	sessionID := "sess_presence_ttl"
	otherSession := "sess_presence_ttl_other"
	now := time.Now()

	assertNoError(t, table.Upsert(sessionID, "u_live", "live", "", now))
	assertNoError(t, table.Upsert(sessionID, "u_stale", "stale", "", now.Add(-PresenceTimeout-time.Second)))
	// a stale row in another session is not this reader's concern
	assertNoError(t, table.Upsert(otherSession, "u_stale", "stale", "", now.Add(-PresenceTimeout-time.Second)))

	var rows []PresenceRow
	var evicted int64
	err := sqlutil.WithTransaction(db, func(txn *sqlx.Tx) (err error) {
		rows, evicted, err = table.SelectActive(txn, sessionID, now)
		return err
	})
	assertNoError(t, err)
	if evicted != 1 {
		t.Errorf("evicted %d rows want 1", evicted)
	}
	if len(rows) != 1 || rows[0].UserID != "u_live" {
		t.Fatalf("got rows %+v, want just u_live", rows)
	}

	// the eviction deleted the stale row, not just filtered it
	var n int
	assertNoError(t, db.Get(&n, `SELECT count(*) FROM trillsync_presence WHERE session_id=$1`, sessionID))
	if n != 1 {
		t.Errorf("stale row still present: %d rows in table", n)
	}

	// a row exactly at the boundary survives: eviction is strictly older than the cutoff
	boundary := now.Add(-PresenceTimeout)
	assertNoError(t, table.Upsert(sessionID, "u_edge", "edge", "", boundary))
	rows = selectActive(t, db, table, sessionID, now)
	if len(rows) != 2 {
		t.Errorf("boundary row was evicted: got %+v", rows)
	}
}
