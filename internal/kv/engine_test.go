// ABOUTME: Tests for the key-value engine over sandboxed tenant connections
// ABOUTME: Includes the full grant-then-write-then-probe walkthrough

package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvgate/kvgate/internal/ident"
	"github.com/kvgate/kvgate/internal/principal"
	"github.com/kvgate/kvgate/internal/tenant"
)

func setupEngine(t *testing.T) (*Engine, *tenant.Conn) {
	t.Helper()
	store, err := tenant.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	id, err := ident.Validate("orders")
	require.NoError(t, err)

	conn, err := store.Open(context.Background(), id, true)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})

	return NewEngine(nil), conn
}

func TestEngine_GetMissing(t *testing.T) {
	engine, conn := setupEngine(t)

	item, err := engine.Get(context.Background(), conn, "nope")
	require.NoError(t, err)
	assert.False(t, item.Exists)
	assert.Nil(t, item.Value)
}

func TestEngine_PutGetDelete(t *testing.T) {
	engine, conn := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Put(ctx, conn, "sku", "42"))

	item, err := engine.Get(ctx, conn, "sku")
	require.NoError(t, err)
	assert.True(t, item.Exists)
	assert.Equal(t, "42", item.Value)

	require.NoError(t, engine.Delete(ctx, conn, "sku"))

	item, err = engine.Get(ctx, conn, "sku")
	require.NoError(t, err)
	assert.False(t, item.Exists)

	// Deleting an absent key is a no-op.
	require.NoError(t, engine.Delete(ctx, conn, "sku"))
}

func TestEngine_PutOverwrites(t *testing.T) {
	engine, conn := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Put(ctx, conn, "sku", "1"))
	require.NoError(t, engine.Put(ctx, conn, "sku", "2"))

	item, err := engine.Get(ctx, conn, "sku")
	require.NoError(t, err)
	assert.Equal(t, "2", item.Value)
}

func TestEngine_Query(t *testing.T) {
	engine, conn := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Put(ctx, conn, "a", "1"))
	require.NoError(t, engine.Put(ctx, conn, "b", "2"))

	rows, err := engine.Query(ctx, conn, "SELECT key, value FROM kv_orders ORDER BY key")
	require.NoError(t, err)
	assert.Equal(t, []string{"key", "value"}, rows.Columns)
	require.Len(t, rows.Rows, 2)
	assert.Equal(t, []any{"a", "1"}, rows.Rows[0])
	assert.Equal(t, []any{"b", "2"}, rows.Rows[1])
}

func TestEngine_Query_EmptyResult(t *testing.T) {
	engine, conn := setupEngine(t)

	rows, err := engine.Query(context.Background(), conn, "SELECT key, value FROM kv_orders")
	require.NoError(t, err)
	assert.Equal(t, [][]any{}, rows.Rows)
}

func TestEngine_Query_DeniedAction(t *testing.T) {
	engine, conn := setupEngine(t)

	_, err := engine.Query(context.Background(), conn, "ATTACH DATABASE '/tmp/x.sqlite' AS x")
	assert.Error(t, err)
}

func TestEngine_ExecScript(t *testing.T) {
	engine, conn := setupEngine(t)
	ctx := context.Background()

	script := `
		INSERT OR REPLACE INTO kv_orders (key, value) VALUES ('a', '1');
		INSERT OR REPLACE INTO kv_orders (key, value) VALUES ('b', '2');
		DELETE FROM kv_orders WHERE key = 'a';
	`
	require.NoError(t, engine.ExecScript(ctx, conn, script))

	item, err := engine.Get(ctx, conn, "a")
	require.NoError(t, err)
	assert.False(t, item.Exists)

	item, err = engine.Get(ctx, conn, "b")
	require.NoError(t, err)
	assert.True(t, item.Exists)
}

// TestEndToEndWalkthrough runs the whole stack below HTTP: register, grant,
// login, write and read a key, attempt an escape, keep working afterwards.
func TestEndToEndWalkthrough(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	principals, err := principal.Open(filepath.Join(dir, "auth.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		principals.Close()
	})

	tenants, err := tenant.NewStore(dir, nil)
	require.NoError(t, err)
	engine := NewEngine(nil)

	aliceID, err := principals.Register(ctx, "alice", "pw1")
	require.NoError(t, err)

	orders, err := ident.Validate("orders")
	require.NoError(t, err)
	require.NoError(t, principals.Grant(ctx, aliceID, principal.WritePermission(orders)))

	session, err := principals.Login(ctx, "alice", "pw1", 3600*time.Second)
	require.NoError(t, err)
	require.NotNil(t, session)

	resolved, err := principals.CheckSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, aliceID, resolved)

	perms, err := principals.TablePermissions(ctx, resolved, orders)
	require.NoError(t, err)
	require.True(t, perms.Write)
	require.False(t, perms.Read)

	conn, err := tenants.Open(ctx, orders, true)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})

	require.NoError(t, engine.Put(ctx, conn, "sku-1", "42"))

	item, err := engine.Get(ctx, conn, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, "42", item.Value)

	// An escape attempt fails without wedging the connection.
	_, err = engine.Query(ctx, conn, "ATTACH DATABASE '/tmp/evil.sqlite' AS evil")
	require.Error(t, err)

	item, err = engine.Get(ctx, conn, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, "42", item.Value)
}
