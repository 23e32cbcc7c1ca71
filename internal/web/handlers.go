// ABOUTME: HTTP handlers for login, table creation, key-value CRUD, and raw SQL
// ABOUTME: Request/response shaping only; semantics live in the core packages

package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kvgate/kvgate/internal/ident"
	"github.com/kvgate/kvgate/internal/principal"
	"github.com/kvgate/kvgate/internal/tenant"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

// LoginRequest is the JSON request body for POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// TTLSeconds controls session expiry: omitted means the configured
	// default, zero means the session never expires.
	TTLSeconds *int64 `json:"ttl_seconds"`
}

// LoginResponse is the JSON response for a successful login.
type LoginResponse struct {
	SessionID string  `json:"session_id"`
	UserID    int64   `json:"user_id"`
	Username  string  `json:"username"`
	ExpiresAt *string `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ttl := s.defaultTTL
	if req.TTLSeconds != nil {
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}

	session, err := s.principals.Login(r.Context(), req.Username, req.Password, ttl)
	if err != nil {
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if session == nil {
		writeUnauthorized(w)
		return
	}

	resp := LoginResponse{
		SessionID: session.ID,
		UserID:    session.UserID,
		Username:  session.Username,
	}
	if session.ExpiresAt != nil {
		str := session.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &str
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sid := sessionToken(r)
	if sid != "" {
		if err := s.principals.Logout(r.Context(), sid); err != nil {
			s.logger.Error("logout failed", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

// CreateTableRequest is the JSON request body for POST /tables.
type CreateTableRequest struct {
	Name            string `json:"name"`
	AllowGuestRead  bool   `json:"allow_guest_read"`
	AllowGuestWrite bool   `json:"allow_guest_write"`
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req CreateTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := ident.Validate(req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid table name")
		return
	}

	// Table creation is admin-only.
	userID, err := s.principals.CheckSession(r.Context(), sessionToken(r))
	if err != nil {
		s.logger.Error("checking session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if userID == 0 {
		writeUnauthorized(w)
		return
	}
	isAdmin, err := s.principals.IsAdmin(r.Context(), userID)
	if err != nil {
		s.logger.Error("checking admin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !isAdmin {
		writeUnauthorized(w)
		return
	}

	conn, err := s.tenants.Open(r.Context(), id, true)
	if err != nil {
		s.logger.Error("creating tenant", "tenant", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer conn.Close()

	// Creator gets full access; guest gets whatever the request allows.
	grants := []principal.GrantRequest{
		{UserID: userID, Perm: principal.ReadPermission(id)},
		{UserID: userID, Perm: principal.WritePermission(id)},
	}
	if req.AllowGuestRead {
		grants = append(grants, principal.GrantRequest{UserID: principal.GuestUserID, Perm: principal.ReadPermission(id)})
	}
	if req.AllowGuestWrite {
		grants = append(grants, principal.GrantRequest{UserID: principal.GuestUserID, Perm: principal.WritePermission(id)})
	}
	if err := s.principals.GrantAll(r.Context(), grants); err != nil {
		s.logger.Error("granting initial permissions", "tenant", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.principals.AppendAudit(r.Context(), strconv.FormatInt(userID, 10), principal.AuditCreateTenant, id.String(), map[string]any{
		"guest_read":  req.AllowGuestRead,
		"guest_write": req.AllowGuestWrite,
	}); err != nil {
		s.logger.Error("appending audit", "error", err)
	}

	writeJSON(w, http.StatusCreated, map[string]string{"table": id.String()})
}

// tenantFromRequest validates the path's table segment and checks the
// caller's access. A false return means a response was already written.
func (s *Server) tenantFromRequest(w http.ResponseWriter, r *http.Request, want access) (ident.Identifier, bool) {
	id, err := ident.Validate(r.PathValue("table"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid table name")
		return ident.Identifier{}, false
	}

	ok, err := s.canAccess(r.Context(), sessionToken(r), id, want)
	if err != nil {
		s.logger.Error("checking access", "tenant", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return ident.Identifier{}, false
	}
	if !ok {
		writeUnauthorized(w)
		return ident.Identifier{}, false
	}
	return id, true
}

// openTenant opens an existing tenant, mapping a missing file to 404.
// Access must already be checked so the 404 leaks nothing to strangers.
func (s *Server) openTenant(w http.ResponseWriter, r *http.Request, id ident.Identifier) (*tenant.Conn, bool) {
	conn, err := s.tenants.Open(r.Context(), id, false)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "table not found")
			return nil, false
		}
		s.logger.Error("opening tenant", "tenant", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return conn, true
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tenantFromRequest(w, r, accessRead)
	if !ok {
		return
	}
	conn, ok := s.openTenant(w, r, id)
	if !ok {
		return
	}
	defer conn.Close()

	item, err := s.engine.Get(r.Context(), conn, r.PathValue("key"))
	if err != nil {
		s.logger.Error("getting item", "tenant", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// PutItemRequest is the JSON request body for PUT /kv/{table}/{key}.
type PutItemRequest struct {
	Value any `json:"value"`
}

func (s *Server) handlePutItem(w http.ResponseWriter, r *http.Request) {
	var req PutItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Value.(type) {
	case string, float64, bool:
	default:
		writeError(w, http.StatusBadRequest, "value must be a string, number, or boolean")
		return
	}

	id, ok := s.tenantFromRequest(w, r, accessWrite)
	if !ok {
		return
	}
	conn, ok := s.openTenant(w, r, id)
	if !ok {
		return
	}
	defer conn.Close()

	if err := s.engine.Put(r.Context(), conn, r.PathValue("key"), req.Value); err != nil {
		s.logger.Error("putting item", "tenant", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tenantFromRequest(w, r, accessWrite)
	if !ok {
		return
	}
	conn, ok := s.openTenant(w, r, id)
	if !ok {
		return
	}
	defer conn.Close()

	if err := s.engine.Delete(r.Context(), conn, r.PathValue("key")); err != nil {
		s.logger.Error("deleting item", "tenant", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SQLRequest is the JSON request body for the raw SQL endpoints.
type SQLRequest struct {
	SQL string `json:"sql"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req SQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SQL == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, ok := s.tenantFromRequest(w, r, accessRead)
	if !ok {
		return
	}
	conn, ok := s.openTenant(w, r, id)
	if !ok {
		return
	}
	defer conn.Close()

	rows, err := s.engine.Query(r.Context(), conn, req.SQL)
	if err != nil {
		// Authorizer denials land here too; the caller only ever sees a
		// generic failure, the denied action is in the audit log.
		s.logger.Debug("query failed", "tenant", id.String(), "error", err)
		writeError(w, http.StatusBadRequest, "statement failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	var req SQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SQL == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A script may both read and write, so it needs both grants.
	id, ok := s.tenantFromRequest(w, r, accessRead|accessWrite)
	if !ok {
		return
	}
	conn, ok := s.openTenant(w, r, id)
	if !ok {
		return
	}
	defer conn.Close()

	if err := s.engine.ExecScript(r.Context(), conn, req.SQL); err != nil {
		s.logger.Debug("script failed", "tenant", id.String(), "error", err)
		writeError(w, http.StatusBadRequest, "statement failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
