// ABOUTME: Tenant database lifecycle: file naming, creation, sandboxed connections
// ABOUTME: Trusted schema-init phase, then connections that carry the authorizer

package tenant

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/kvgate/kvgate/internal/ident"
)

// ErrTenantNotFound is returned when opening a nonexistent tenant without
// create permission.
var ErrTenantNotFound = errors.New("tenant not found")

const (
	filePrefix = "kv_"
	fileSuffix = ".sqlite"
)

// Store maps validated tenant identifiers to their on-disk database files.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a tenant store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating tenant directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "tenant"),
	}, nil
}

// InternalName derives a tenant's table name. The identifier is case-folded
// BEFORE derivation so raw names differing only in case share one name; this
// is what keeps "Orders" and "orders" from becoming two files.
func InternalName(id ident.Identifier) string {
	return filePrefix + strings.ToLower(id.String())
}

// fileName derives a tenant's storage file name from its internal name.
func fileName(id ident.Identifier) string {
	return InternalName(id) + fileSuffix
}

// Path returns the tenant's storage file path.
func (s *Store) Path(id ident.Identifier) string {
	return filepath.Join(s.dir, fileName(id))
}

// Exists checks for the tenant's physical file without opening it.
func (s *Store) Exists(id ident.Identifier) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// List returns the internal name of every tenant in the store directory,
// sorted by the glob's lexical order.
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), fileSuffix))
	}
	return names, nil
}

// Conn is an open tenant database. Every connection in its pool has the
// sandbox authorizer installed; the trusted schema-init connection is closed
// before Conn is constructed. Conn is a scoped resource: acquire, use for one
// logical operation, Close.
type Conn struct {
	db    *sql.DB
	table string
	name  string
}

// DB returns the sandboxed database handle.
func (c *Conn) DB() *sql.DB { return c.db }

// Table returns the tenant's derived internal table name.
func (c *Conn) Table() string { return c.table }

// Name returns the validated tenant identifier text.
func (c *Conn) Name() string { return c.name }

// Close releases the connection pool.
func (c *Conn) Close() error { return c.db.Close() }

// Open opens a tenant database. When the file is missing and createIfMissing
// is false it returns ErrTenantNotFound. Schema initialization runs on a
// trusted connection with no authorizer (the SQL is internally generated and
// idempotent); the returned Conn only ever hands out sandboxed connections.
func (s *Store) Open(ctx context.Context, id ident.Identifier, createIfMissing bool) (*Conn, error) {
	path := s.Path(id)
	table := InternalName(id)

	if !s.Exists(id) {
		if !createIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
		}
		s.logger.Info("creating tenant", "tenant", id.String(), "path", path)
	}

	if err := s.initSchema(ctx, path, table); err != nil {
		return nil, err
	}

	policy := NewPolicy(table, s.logger)
	db := sql.OpenDB(newSandboxConnector(path, policy))

	return &Conn{
		db:    db,
		table: table,
		name:  id.String(),
	}, nil
}

// initSchema is the trusted phase of the connection lifecycle. It opens the
// file directly, creates the key-value table if absent, and closes; it never
// executes caller-supplied SQL. Safe to run against an existing file.
func (s *Store) initSchema(ctx context.Context, path, table string) error {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("opening tenant for init: %w", err)
	}
	defer db.Close()

	// The table name comes from InternalName, never from raw input.
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key     TEXT    PRIMARY KEY,
			value   TEXT    NOT NULL
		)
	`, table)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initializing tenant schema: %w", err)
	}
	return nil
}

// sandboxConnector produces tenant connections with the authorizer already
// registered. database/sql calls Connect for every new pooled connection, so
// no connection reaches a caller without the sandbox in place.
type sandboxConnector struct {
	dsn    string
	driver *sqlite3.SQLiteDriver
}

func newSandboxConnector(path string, policy *Policy) *sandboxConnector {
	return &sandboxConnector{
		dsn: fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path),
		driver: &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				conn.RegisterAuthorizer(policy.Authorize)
				return nil
			},
		},
	}
}

func (c *sandboxConnector) Connect(ctx context.Context) (driver.Conn, error) {
	// The underlying Open takes no context, so honor cancellation up front.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.driver.Open(c.dsn)
}

func (c *sandboxConnector) Driver() driver.Driver {
	return c.driver
}
