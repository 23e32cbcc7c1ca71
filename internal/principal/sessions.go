// ABOUTME: Session lifecycle: login, bearer-token validation, lazy expiry sweep
// ABOUTME: Tokens are opaque crypto/rand values; expiry compares RFC3339 strings

package principal

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Session is a bearer credential minted by a successful login.
type Session struct {
	ID        string
	UserID    int64
	Username  string
	ExpiresAt *time.Time // nil means the session never expires
}

// dummyHash is a valid bcrypt hash compared against when a username doesn't
// exist or has no usable password, so both failure modes take the same time.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// sessionTokenBytes is the entropy of a session token (hex-encoded to 64 chars).
const sessionTokenBytes = 32

// Login verifies a username/password pair and on success mints a session.
// ttl <= 0 means the session never expires. Returns (nil, nil) for a bad
// username or a bad password; the two cases are indistinguishable to the
// caller. The new session insert and the sweep of globally expired sessions
// share one transaction.
func (s *Store) Login(ctx context.Context, username, password string, ttl time.Duration) (*Session, error) {
	var userID int64
	var hash []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, password_hash FROM users WHERE username = ?
	`, username).Scan(&userID, &hash)

	if errors.Is(err, sql.ErrNoRows) {
		// Burn a comparison anyway so unknown usernames are not
		// distinguishable by timing.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if len(hash) == 0 {
		// Guest principal: password login is not possible.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return nil, nil
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return nil, nil
	}

	sid, err := generateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	session := &Session{
		ID:       sid,
		UserID:   userID,
		Username: username,
	}

	var expiresAt any
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		session.ExpiresAt = &t
		expiresAt = t.Format(timeLayout)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning login transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_sessions (user_id, session_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, userID, sid, expiresAt, nowUTC()); err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	if err := s.sweepExpiredSessions(ctx, tx); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing login transaction: %w", err)
	}

	s.logger.Debug("login successful", "username", username, "user_id", userID)
	return session, nil
}

// CheckSession resolves a session token to a user id. Returns (0, nil) when
// the token is unknown or the session has expired; expired rows are left for
// the next login's sweep.
func (s *Store) CheckSession(ctx context.Context, sid string) (int64, error) {
	if sid == "" {
		return 0, nil
	}

	var userID int64
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, expires_at FROM user_sessions WHERE session_id = ?
	`, sid).Scan(&userID, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying session: %w", err)
	}

	// Fixed-width UTC strings order lexicographically at full precision,
	// same as the stored rows.
	if expiresAt.Valid && expiresAt.String < nowUTC() {
		return 0, nil
	}

	return userID, nil
}

// Logout deletes a single session. Unknown tokens are a no-op.
func (s *Store) Logout(ctx context.Context, sid string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_sessions WHERE session_id = ?
	`, sid)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// sweepExpiredSessions deletes every expired session in the store. Called
// opportunistically from Login rather than a background timer.
func (s *Store) sweepExpiredSessions(ctx context.Context, tx *sql.Tx) error {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM user_sessions
		WHERE expires_at IS NOT NULL AND expires_at < ?
	`, nowUTC())
	if err != nil {
		return fmt.Errorf("sweeping expired sessions: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Info("swept expired sessions", "count", n)
	}
	return nil
}

// generateSessionToken mints a cryptographically random opaque token.
func generateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
