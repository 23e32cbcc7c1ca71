// ABOUTME: Permission grant methods: admin marker and per-tenant read/write capabilities
// ABOUTME: Existence of a (user, perm) row is the sole capability signal

package principal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kvgate/kvgate/internal/ident"
)

// Grant gives a user a permission. Idempotent - granting an existing
// permission succeeds silently.
func (s *Store) Grant(ctx context.Context, userID int64, perm string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_permissions (user_id, perm, created_at)
		VALUES (?, ?, ?)
	`, userID, perm, nowUTC())
	if err != nil {
		return fmt.Errorf("granting permission: %w", err)
	}

	s.appendAudit(ctx, strconv.FormatInt(userID, 10), auditGrant, perm, nil)
	s.logger.Debug("granted permission", "user_id", userID, "perm", perm)
	return nil
}

// Revoke removes a permission from a user. Idempotent - revoking a
// non-existent permission succeeds silently.
func (s *Store) Revoke(ctx context.Context, userID int64, perm string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_permissions WHERE user_id = ? AND perm = ?
	`, userID, perm)
	if err != nil {
		return fmt.Errorf("revoking permission: %w", err)
	}

	s.appendAudit(ctx, strconv.FormatInt(userID, 10), auditRevoke, perm, nil)
	s.logger.Debug("revoked permission", "user_id", userID, "perm", perm)
	return nil
}

// HasPermission checks whether a (user, perm) grant exists. Returns false for
// unknown users (not an error).
func (s *Store) HasPermission(ctx context.Context, userID int64, perm string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_permissions WHERE user_id = ? AND perm = ?
	`, userID, perm).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking permission: %w", err)
	}
	return count > 0, nil
}

// GrantRequest is one (user, perm) pair for a batched grant.
type GrantRequest struct {
	UserID int64
	Perm   string
}

// GrantAll applies a set of grants in a single transaction, so an initial
// grant set (a new tenant's creator and guest grants) lands all-or-nothing.
func (s *Store) GrantAll(ctx context.Context, grants []GrantRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning grant transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	for _, g := range grants {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO user_permissions (user_id, perm, created_at)
			VALUES (?, ?, ?)
		`, g.UserID, g.Perm, now); err != nil {
			return fmt.Errorf("granting %s: %w", g.Perm, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing grant transaction: %w", err)
	}

	for _, g := range grants {
		s.appendAudit(ctx, strconv.FormatInt(g.UserID, 10), auditGrant, g.Perm, nil)
		s.logger.Debug("granted permission", "user_id", g.UserID, "perm", g.Perm)
	}
	return nil
}

// ListPermissions returns every grant a user holds, sorted by name.
func (s *Store) ListPermissions(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT perm FROM user_permissions WHERE user_id = ? ORDER BY perm
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		perms = append(perms, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permissions: %w", err)
	}
	return perms, nil
}

// IsAdmin checks the admin marker permission.
func (s *Store) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	return s.HasPermission(ctx, userID, AdminPermission)
}

// TablePermissions derives a tenant's read and write grant names and checks
// each independently.
func (s *Store) TablePermissions(ctx context.Context, userID int64, id ident.Identifier) (Perms, error) {
	read, err := s.HasPermission(ctx, userID, ReadPermission(id))
	if err != nil {
		return Perms{}, err
	}
	write, err := s.HasPermission(ctx, userID, WritePermission(id))
	if err != nil {
		return Perms{}, err
	}
	return Perms{Read: read, Write: write}, nil
}
