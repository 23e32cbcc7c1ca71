// ABOUTME: Key-value operations and the raw-SQL escape hatch on tenant connections
// ABOUTME: Every statement here still compiles under the tenant's authorizer

package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kvgate/kvgate/internal/tenant"
)

// Engine implements the key-value contract on top of tenant connections.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a key-value engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "kv")}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Item is the result of a key lookup.
type Item struct {
	Exists bool `json:"exists"`
	Value  any  `json:"value"`
}

// Rows is the shape of an arbitrary query result.
type Rows struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Get looks up a key. A missing key is not an error; Exists reports presence.
func (e *Engine) Get(ctx context.Context, conn *tenant.Conn, key string) (Item, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, conn.Table())

	var value any
	err := conn.DB().QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return Item{}, nil
		}
		return Item{}, fmt.Errorf("selecting key: %w", err)
	}

	return Item{Exists: true, Value: normalize(value)}, nil
}

// Put writes a key with insert-or-replace semantics. Last write wins.
func (e *Engine) Put(ctx context.Context, conn *tenant.Conn, key string, value any) error {
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (key, value)
		VALUES (?, ?)
	`, conn.Table())

	if _, err := conn.DB().ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("inserting key: %w", err)
	}

	e.logger.Debug("put key", "tenant", conn.Name(), "key", key)
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (e *Engine) Delete(ctx context.Context, conn *tenant.Conn, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, conn.Table())

	if _, err := conn.DB().ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}

	e.logger.Debug("deleted key", "tenant", conn.Name(), "key", key)
	return nil
}

// Query runs arbitrary caller-supplied SQL and collects the result rows.
// The authorizer gates every elementary action during compilation; a denied
// action surfaces here as a generic statement failure.
func (e *Engine) Query(ctx context.Context, conn *tenant.Conn, query string) (*Rows, error) {
	rows, err := conn.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	result := &Rows{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i := range values {
			values[i] = normalize(values[i])
		}
		result.Rows = append(result.Rows, values)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return result, nil
}

// ExecScript runs a caller-supplied multi-statement script. Permission
// gating (a script needs both read and write) is the caller layer's job;
// each statement still compiles under the authorizer.
func (e *Engine) ExecScript(ctx context.Context, conn *tenant.Conn, script string) error {
	if _, err := conn.DB().ExecContext(ctx, script); err != nil {
		return fmt.Errorf("running script: %w", err)
	}
	return nil
}

// normalize converts driver byte slices to strings for JSON-friendly output.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
