package state

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/starspacegroup/trill-sync/internal"
	"github.com/starspacegroup/trill-sync/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Snapshot is a self-consistent read of a session: the state blob, its version and the
// live member list, all taken in the same transaction.
type Snapshot struct {
	Session *Session
	Members []PresenceRow
}

type Storage struct {
	Sessions *SessionsTable
	Presence *PresenceTable
	Tokens   *TokensTable
	DB       *sqlx.DB

	numStateMerges     prometheus.Counter
	numEvictedPresence prometheus.Counter
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db, false)
}

func NewStorageWithDB(db *sqlx.DB, addPrometheusMetrics bool) *Storage {
	s := &Storage{
		Sessions: NewSessionsTable(db),
		Presence: NewPresenceTable(db),
		Tokens:   NewTokensTable(db),
		DB:       db,
	}
	if addPrometheusMetrics {
		s.addPrometheusMetrics()
	}
	return s
}

func (s *Storage) addPrometheusMetrics() {
	s.numStateMerges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trillsync",
		Subsystem: "state",
		Name:      "num_state_merges",
		Help:      "Number of accepted state merges",
	})
	s.numEvictedPresence = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trillsync",
		Subsystem: "state",
		Name:      "num_evicted_presence",
		Help:      "Number of presence rows evicted by the read path",
	})
	prometheus.MustRegister(s.numStateMerges)
	prometheus.MustRegister(s.numEvictedPresence)
}

// Snapshot reads a session's state, version and live member list in one transaction,
// evicting stale presence rows first so a row past the timeout is never returned.
// Returns (nil, nil) if the session does not exist.
func (s *Storage) Snapshot(sessionID string, now time.Time) (snapshot *Snapshot, err error) {
	err = sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		session, err := selectSessionTxn(txn, sessionID)
		if err != nil || session == nil {
			return err
		}
		members, evicted, err := s.Presence.SelectActive(txn, sessionID, now)
		if err != nil {
			return err
		}
		if s.numEvictedPresence != nil {
			s.numEvictedPresence.Add(float64(evicted))
		}
		snapshot = &Snapshot{
			Session: session,
			Members: members,
		}
		return nil
	})
	return
}

// MergeState merges the caller's partial state onto the session blob and bumps the
// version. The read-modify-write runs in a transaction so each writer's update is
// atomic, but there is no version guard between writers: see SessionsTable.UpdateState.
// Returns ErrSessionNotFound if the session does not exist.
func (s *Storage) MergeState(sessionID string, partial internal.StateMap) (newVersion int64, merged internal.StateMap, err error) {
	var mergedBlob []byte
	err = sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		newVersion, mergedBlob, err = s.Sessions.UpdateState(txn, sessionID, partial)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	if s.numStateMerges != nil {
		s.numStateMerges.Inc()
	}
	session := &Session{ID: sessionID, State: mergedBlob}
	merged, err = session.StateMap()
	return newVersion, merged, err
}

// CreateSession makes a new session with an empty blob at version 0, owned by the
// creator, identified by a fresh opaque short code.
func (s *Storage) CreateSession(name, creatorUserID string) (*Session, error) {
	session := Session{
		ID:            newSessionID(),
		Name:          name,
		CreatorUserID: creatorUserID,
		Active:        true,
		State:         []byte(`{}`),
		StateVersion:  0,
	}
	if err := s.Sessions.Insert(session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession destroys a session and its presence rows.
func (s *Storage) DeleteSession(sessionID string) (found bool, err error) {
	err = sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		found, err = s.Sessions.Delete(txn, sessionID)
		if err != nil || !found {
			return err
		}
		return s.Presence.DeleteSession(txn, sessionID)
	})
	return
}

// DeleteSessionsByCreator cascades an account removal: every session owned by the user
// is destroyed along with its presence rows, and the user's tokens are forgotten.
func (s *Storage) DeleteSessionsByCreator(creatorUserID string) (deleted []string, err error) {
	err = sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		ids, err := s.Sessions.SelectByCreator(txn, creatorUserID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err = s.Sessions.Delete(txn, id); err != nil {
				return err
			}
			if err = s.Presence.DeleteSession(txn, id); err != nil {
				return err
			}
		}
		deleted = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err = s.Tokens.DeleteByUser(creatorUserID); err != nil {
		return nil, err
	}
	return deleted, nil
}

// used in tests to close postgres connections
func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}

func selectSessionTxn(txn *sqlx.Tx, sessionID string) (*Session, error) {
	var session Session
	err := txn.Get(&session, `SELECT session_id, name, creator_user_id, active, state, state_version
		FROM trillsync_sessions WHERE session_id=$1`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func newSessionID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic("newSessionID: " + err.Error())
	}
	return hex.EncodeToString(b)
}
