// ABOUTME: User registration, lookup, and deletion for the principal store
// ABOUTME: Passwords are bcrypt-hashed before storage; plaintext is never persisted

package principal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Register creates a new user with a bcrypt-hashed password and returns the
// new user id. Returns ErrDuplicateUser on a username collision.
func (s *Store) Register(ctx context.Context, username, password string) (int64, error) {
	if username == "" {
		return 0, fmt.Errorf("username must not be empty")
	}
	if password == "" {
		return 0, fmt.Errorf("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hashing password: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, created_at)
		VALUES (?, ?, ?)
	`, username, hash, nowUTC())
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, ErrDuplicateUser
		}
		return 0, fmt.Errorf("inserting user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting user id: %w", err)
	}

	s.appendAudit(ctx, username, auditRegisterUser, username, nil)
	s.logger.Info("registered user", "username", username, "id", id)
	return id, nil
}

// UserIDByName looks up a user id by username. Returns ErrNotFound if the
// user does not exist.
func (s *Store) UserIDByName(ctx context.Context, username string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM users WHERE username = ?
	`, username).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying user: %w", err)
	}
	return id, nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, created_at FROM users ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var createdAtStr string
		if err := rows.Scan(&u.ID, &u.Username, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		u.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		users = append(users, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// DeleteUser removes a user by name. Grants and sessions cascade in the same
// statement's transaction. Returns ErrNotFound if no such user.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM users WHERE username = ?
	`, username)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.appendAudit(ctx, username, auditDeleteUser, username, nil)
	s.logger.Info("deleted user", "username", username)
	return nil
}
