// ABOUTME: HTTP-level tests covering login, table creation, key-value flow
// ABOUTME: Asserts the uniform 401 shape for every auth and permission failure

package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvgate/kvgate/internal/kv"
	"github.com/kvgate/kvgate/internal/principal"
	"github.com/kvgate/kvgate/internal/tenant"
)

type testEnv struct {
	server     *httptest.Server
	principals *principal.Store
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	principals, err := principal.Open(filepath.Join(dir, "auth.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		principals.Close()
	})

	tenants, err := tenant.NewStore(dir, nil)
	require.NoError(t, err)

	srv := NewServer(principals, tenants, kv.NewEngine(nil), 24*time.Hour, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, principals: principals}
}

// do sends a JSON request with an optional bearer token.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
	})
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// registerAndLogin creates a user through the store and logs in over HTTP.
func (e *testEnv) registerAndLogin(t *testing.T, username, password string, admin bool) (int64, string) {
	t.Helper()
	ctx := t.Context()

	userID, err := e.principals.Register(ctx, username, password)
	require.NoError(t, err)
	if admin {
		require.NoError(t, e.principals.Grant(ctx, userID, principal.AdminPermission))
	}

	resp := e.do(t, http.MethodPost, "/login", "", map[string]any{
		"username": username,
		"password": password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	login := decode[LoginResponse](t, resp)
	require.NotEmpty(t, login.SessionID)
	return userID, login.SessionID
}

func assertUnauthorized(t *testing.T, resp *http.Response) {
	t.Helper()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, map[string]string{"error": "not authorized"}, body)
}

func TestPing(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.principals.Register(t.Context(), "alice", "pw1")
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/login", "", map[string]any{
		"username": "alice",
		"password": "pw1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	login := decode[LoginResponse](t, resp)
	assert.Equal(t, "alice", login.Username)
	assert.NotEmpty(t, login.SessionID)
	require.NotNil(t, login.ExpiresAt)

	// Session cookie rides along with the JSON body.
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			assert.Equal(t, login.SessionID, c.Value)
			found = true
		}
	}
	assert.True(t, found, "session cookie should be set")
}

func TestLogin_BadCredentials(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.principals.Register(t.Context(), "alice", "pw1")
	require.NoError(t, err)

	// Wrong password and unknown user produce identical responses.
	resp := env.do(t, http.MethodPost, "/login", "", map[string]any{
		"username": "alice", "password": "wrong",
	})
	assertUnauthorized(t, resp)

	resp = env.do(t, http.MethodPost, "/login", "", map[string]any{
		"username": "nobody", "password": "pw1",
	})
	assertUnauthorized(t, resp)
}

func TestLogin_NeverExpiringSession(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.principals.Register(t.Context(), "alice", "pw1")
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/login", "", map[string]any{
		"username": "alice", "password": "pw1", "ttl_seconds": 0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	login := decode[LoginResponse](t, resp)
	assert.Nil(t, login.ExpiresAt)
}

func TestLogout(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "alice", "pw1", true)

	resp := env.do(t, http.MethodPost, "/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The token is dead; an admin-only endpoint now rejects it.
	resp = env.do(t, http.MethodPost, "/tables", token, map[string]any{"name": "orders"})
	assertUnauthorized(t, resp)
}

func TestCreateTable_AdminOnly(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "alice", "pw1", false)

	resp := env.do(t, http.MethodPost, "/tables", "", map[string]any{"name": "orders"})
	assertUnauthorized(t, resp)

	resp = env.do(t, http.MethodPost, "/tables", token, map[string]any{"name": "orders"})
	assertUnauthorized(t, resp)
}

func TestCreateTable_InvalidName(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "root", "pw", true)

	for _, name := range []string{"", "orders2", "my-table", "../etc"} {
		resp := env.do(t, http.MethodPost, "/tables", token, map[string]any{"name": name})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "name %q", name)
	}
}

func TestKeyValueFlow(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "root", "pw", true)

	resp := env.do(t, http.MethodPost, "/tables", token, map[string]any{"name": "orders"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/kv/orders/sku-1", token, map[string]any{"value": "42"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/kv/orders/sku-1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	item := decode[kv.Item](t, resp)
	assert.True(t, item.Exists)
	assert.Equal(t, "42", item.Value)

	// Case variants address the same table.
	resp = env.do(t, http.MethodGet, "/kv/Orders/sku-1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	item = decode[kv.Item](t, resp)
	assert.True(t, item.Exists)

	resp = env.do(t, http.MethodDelete, "/kv/orders/sku-1", token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/kv/orders/sku-1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	item = decode[kv.Item](t, resp)
	assert.False(t, item.Exists)
}

func TestKeyValue_MissingTable(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "root", "pw", true)

	resp := env.do(t, http.MethodGet, "/kv/ghost/key", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKeyValue_RejectsCompositeValues(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "root", "pw", true)

	resp := env.do(t, http.MethodPost, "/tables", token, map[string]any{"name": "orders"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for name, value := range map[string]any{
		"object": map[string]any{"a": 1},
		"array":  []int{1, 2},
		"null":   nil,
	} {
		resp := env.do(t, http.MethodPut, "/kv/orders/k", token, map[string]any{"value": value})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "value kind %s", name)
	}
}

func TestPermissionLadder(t *testing.T) {
	env := setupTestServer(t)
	ctx := t.Context()
	_, adminToken := env.registerAndLogin(t, "root", "pw", true)

	resp := env.do(t, http.MethodPost, "/tables", adminToken, map[string]any{"name": "orders"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = env.do(t, http.MethodPut, "/kv/orders/k", adminToken, map[string]any{"value": "v"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	bobID, bobToken := env.registerAndLogin(t, "bob", "pw2", false)

	// No grants, no session: both unauthorized, same body.
	resp = env.do(t, http.MethodGet, "/kv/orders/k", "", nil)
	assertUnauthorized(t, resp)
	resp = env.do(t, http.MethodGet, "/kv/orders/k", bobToken, nil)
	assertUnauthorized(t, resp)

	// A read grant opens reads but not writes.
	require.NoError(t, env.principals.Grant(ctx, bobID, "orders_read"))
	resp = env.do(t, http.MethodGet, "/kv/orders/k", bobToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPut, "/kv/orders/k", bobToken, map[string]any{"value": "x"})
	assertUnauthorized(t, resp)
}

func TestGuestAccess(t *testing.T) {
	env := setupTestServer(t)
	_, adminToken := env.registerAndLogin(t, "root", "pw", true)

	resp := env.do(t, http.MethodPost, "/tables", adminToken, map[string]any{
		"name":             "board",
		"allow_guest_read": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = env.do(t, http.MethodPut, "/kv/board/motd", adminToken, map[string]any{"value": "hi"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// No token at all: guest read works, guest write does not.
	resp = env.do(t, http.MethodGet, "/kv/board/motd", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/kv/board/motd", "", map[string]any{"value": "defaced"})
	assertUnauthorized(t, resp)
}

func TestQueryEndpoint(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "root", "pw", true)

	resp := env.do(t, http.MethodPost, "/tables", token, map[string]any{"name": "orders"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	for i, k := range []string{"a", "b"} {
		resp = env.do(t, http.MethodPut, "/kv/orders/"+k, token, map[string]any{"value": fmt.Sprint(i)})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/tables/orders/query", token, map[string]any{
		"sql": "SELECT key, value FROM kv_orders ORDER BY key",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rows := decode[kv.Rows](t, resp)
	assert.Equal(t, []string{"key", "value"}, rows.Columns)
	assert.Len(t, rows.Rows, 2)
}

func TestQueryEndpoint_DeniedStatementIsGeneric(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "root", "pw", true)

	resp := env.do(t, http.MethodPost, "/tables", token, map[string]any{"name": "orders"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/tables/orders/query", token, map[string]any{
		"sql": "ATTACH DATABASE '/tmp/evil.sqlite' AS evil",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "statement failed", body["error"])
}

func TestScriptEndpoint(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "root", "pw", true)

	resp := env.do(t, http.MethodPost, "/tables", token, map[string]any{"name": "orders"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/tables/orders/script", token, map[string]any{
		"sql": "INSERT OR REPLACE INTO kv_orders (key, value) VALUES ('a', '1');",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/kv/orders/a", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	item := decode[kv.Item](t, resp)
	assert.True(t, item.Exists)
}

func TestScriptEndpoint_NeedsBothGrants(t *testing.T) {
	env := setupTestServer(t)
	ctx := t.Context()
	_, adminToken := env.registerAndLogin(t, "root", "pw", true)

	resp := env.do(t, http.MethodPost, "/tables", adminToken, map[string]any{"name": "orders"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	bobID, bobToken := env.registerAndLogin(t, "bob", "pw2", false)
	require.NoError(t, env.principals.Grant(ctx, bobID, "orders_read"))

	resp = env.do(t, http.MethodPost, "/tables/orders/script", bobToken, map[string]any{
		"sql": "DELETE FROM kv_orders;",
	})
	assertUnauthorized(t, resp)
}
