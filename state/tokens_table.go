package state

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/jmoiron/sqlx"
)

type Token struct {
	TokenHash string    `db:"token_hash"`
	UserID    string    `db:"user_id"`
	Username  string    `db:"username"`
	Avatar    string    `db:"avatar"`
	LastSeen  time.Time `db:"last_seen"`
}

// TokensTable maps bearer tokens to user identities. Tokens are minted by the login
// system, which is outside this subsystem; we only ever look them up, so the plaintext
// is never stored, just a SHA-256 hash.
type TokensTable struct {
	db *sqlx.DB
}

// NewTokensTable creates the trillsync_tokens table if it does not already exist.
func NewTokensTable(db *sqlx.DB) *TokensTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS trillsync_tokens (
		token_hash TEXT NOT NULL PRIMARY KEY, -- SHA256(access token)
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT '',
		last_seen TIMESTAMP WITH TIME ZONE NOT NULL
	);`)
	return &TokensTable{db}
}

func hashToken(accessToken string) string {
	hash := sha256.New()
	hash.Write([]byte(accessToken))
	return hex.EncodeToString(hash.Sum(nil))
}

// Insert stores a new token for this user. Inserting a token which already exists
// refreshes its identity fields.
func (t *TokensTable) Insert(accessToken, userID, username, avatar string) error {
	_, err := t.db.Exec(`
		INSERT INTO trillsync_tokens(token_hash, user_id, username, avatar, last_seen)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = $2, username = $3, avatar = $4, last_seen = $5`,
		hashToken(accessToken), userID, username, avatar, time.Now(),
	)
	return err
}

// Lookup resolves a plaintext bearer token to its owner. Returns nil if the token is
// unknown; that is not an error.
func (t *TokensTable) Lookup(accessToken string) (*Token, error) {
	var token Token
	err := t.db.Get(&token, `SELECT token_hash, user_id, username, avatar, last_seen
		FROM trillsync_tokens WHERE token_hash=$1`, hashToken(accessToken))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// Delete forgets a token, e.g on logout.
func (t *TokensTable) Delete(accessToken string) error {
	_, err := t.db.Exec(`DELETE FROM trillsync_tokens WHERE token_hash=$1`, hashToken(accessToken))
	return err
}

// DeleteByUser forgets every token owned by this user. Used when the user's account
// record is removed.
func (t *TokensTable) DeleteByUser(userID string) error {
	_, err := t.db.Exec(`DELETE FROM trillsync_tokens WHERE user_id=$1`, userID)
	return err
}
