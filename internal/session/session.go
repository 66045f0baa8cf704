// Package session issues and resolves opaque bearer tokens bound to
// authenticated entities.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/cordon-sec/cordon/internal/id"
)

const TokenLength = 32

type Session struct {
	Token     []byte
	Entity    id.EntityID
	ExpiresAt time.Time
}

type Store struct {
	db  *sql.DB
	ttl time.Duration
}

func NewStore(db *sql.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{db: db, ttl: ttl}
}

// Issue creates a session for the entity with a fresh random token.
func (s *Store) Issue(ctx context.Context, entity id.EntityID) (*Session, error) {
	token := make([]byte, TokenLength)
	if _, err := io.ReadFull(rand.Reader, token); err != nil {
		return nil, err
	}

	expires := time.Now().Add(s.ttl).UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session (token, eid, expires_at) VALUES (?, ?, ?)`,
		token, entity.ID[:], expires.UnixNano())
	if err != nil {
		return nil, err
	}

	return &Session{Token: token, Entity: entity, ExpiresAt: expires}, nil
}

// Get resolves a token to its session. Expired sessions are not returned.
func (s *Store) Get(ctx context.Context, token []byte) (*Session, bool, error) {
	if len(token) != TokenLength {
		return nil, false, nil
	}

	const q = `
SELECT s.token, s.eid, s.expires_at, l.kind
FROM session s
JOIN obj_label l ON l.obj_id = s.eid
WHERE s.token = ?`
	var (
		stored, rawEID []byte
		expiresAt      int64
		kind           string
	)
	err := s.db.QueryRowContext(ctx, q, token).Scan(&stored, &rawEID, &expiresAt, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if subtle.ConstantTimeCompare(stored, token) != 1 {
		return nil, false, nil
	}

	expires := time.Unix(0, expiresAt).UTC()
	if time.Now().After(expires) {
		return nil, false, nil
	}

	oid, err := id.FromBytes(rawEID)
	if err != nil {
		return nil, false, err
	}
	k, err := id.ParseKind(kind)
	if err != nil {
		return nil, false, err
	}

	return &Session{
		Token:     stored,
		Entity:    id.EntityID{Kind: k, ID: oid},
		ExpiresAt: expires,
	}, true, nil
}

// PurgeExpired deletes sessions past their expiry and reports how many.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE expires_at < ?`,
		time.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EncodeToken renders a token for transport in an Authorization header.
func EncodeToken(token []byte) string { return hex.EncodeToString(token) }

// DecodeToken parses a transported token. Malformed input yields ok=false,
// never an error a caller could confuse with a storage failure.
func DecodeToken(s string) ([]byte, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != TokenLength {
		return nil, false
	}
	return b, true
}
