// ABOUTME: Durable principal store: users, permission grants, and sessions
// ABOUTME: Backs every access-control decision in kvgate, one file for all tenants

package principal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kvgate/kvgate/internal/ident"
)

// ErrNotFound is returned when a requested user does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when registering a username that already exists.
var ErrDuplicateUser = errors.New("user already exists")

const (
	// GuestUserID is the fixed id of the reserved guest principal.
	GuestUserID = 1

	// GuestUsername is the reserved guest principal's name.
	GuestUsername = "anon"

	// AdminPermission marks a user as administrator.
	AdminPermission = "admin"
)

// User represents a registered principal.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// Perms holds the two per-tenant capabilities a user can hold.
type Perms struct {
	Read  bool
	Write bool
}

// Store is the SQLite-backed principal store. A single store file holds the
// users, grants, and sessions for every tenant.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the principal store at the given path.
// Parent directories are created if needed. The guest principal is seeded on
// first initialization.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "principal")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	// Foreign keys must be on for every pooled connection so that user
	// deletion cascades to grants and sessions.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening principal store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("principal store initialized", "path", path)
	return s, nil
}

// createSchema creates the store tables if they don't exist and seeds the
// guest principal. Idempotent.
func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY,
			username      TEXT    NOT NULL,
			password_hash BLOB    NOT NULL,
			created_at    TEXT    NOT NULL,

			UNIQUE (username)
		);

		CREATE TABLE IF NOT EXISTS user_permissions (
			user_id    INTEGER NOT NULL,
			perm       TEXT    NOT NULL,
			created_at TEXT    NOT NULL,

			UNIQUE (user_id, perm),
			FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_user_permissions_user ON user_permissions(user_id);

		CREATE TABLE IF NOT EXISTS user_sessions (
			user_id    INTEGER NOT NULL,
			session_id TEXT    NOT NULL,
			expires_at TEXT,
			created_at TEXT    NOT NULL,

			UNIQUE (user_id, session_id),
			FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_user_sessions_sid ON user_sessions(session_id);
		CREATE INDEX IF NOT EXISTS idx_user_sessions_expires ON user_sessions(expires_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target      TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Seed the reserved guest principal. The empty password hash can never
	// match a bcrypt comparison, so the guest cannot authenticate.
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, GuestUserID, GuestUsername, []byte{}, nowUTC())
	if err != nil {
		return fmt.Errorf("seeding guest user: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Info("closing principal store")
	return s.db.Close()
}

// ReadPermission derives the read grant name for a tenant. The identifier is
// case-folded so grants line up with the tenant's derived storage name.
func ReadPermission(id ident.Identifier) string {
	return strings.ToLower(id.String()) + "_read"
}

// WritePermission derives the write grant name for a tenant.
func WritePermission(id ident.Identifier) string {
	return strings.ToLower(id.String()) + "_write"
}

// isUniqueConstraintError checks if an error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "unique constraint"))
}

// timeLayout is RFC3339 with fixed-width nanoseconds. The width matters:
// stored timestamps are compared lexicographically, and a variable-width or
// truncated fraction would make a session outlive its expiry instant by up
// to a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// nowUTC returns the current UTC time formatted for storage.
func nowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}
