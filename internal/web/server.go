// ABOUTME: HTTP request layer for kvgate: login, table admin, key-value endpoints
// ABOUTME: Thin shaping over the core stores; all authz decisions delegate to principal

package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kvgate/kvgate/internal/kv"
	"github.com/kvgate/kvgate/internal/principal"
	"github.com/kvgate/kvgate/internal/tenant"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "sid"

// Server wires the HTTP surface to the core stores.
type Server struct {
	principals *principal.Store
	tenants    *tenant.Store
	engine     *kv.Engine
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewServer creates the HTTP server facade.
func NewServer(principals *principal.Store, tenants *tenant.Store, engine *kv.Engine, defaultTTL time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		principals: principals,
		tenants:    tenants,
		engine:     engine,
		defaultTTL: defaultTTL,
		logger:     logger.With("component", "web"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("POST /tables", s.handleCreateTable)
	mux.HandleFunc("GET /kv/{table}/{key}", s.handleGetItem)
	mux.HandleFunc("PUT /kv/{table}/{key}", s.handlePutItem)
	mux.HandleFunc("DELETE /kv/{table}/{key}", s.handleDeleteItem)
	mux.HandleFunc("POST /tables/{table}/query", s.handleQuery)
	mux.HandleFunc("POST /tables/{table}/script", s.handleScript)

	return mux
}

// sessionToken extracts the bearer credential from the sid cookie or the
// Authorization header. Returns "" when neither is present.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeUnauthorized is the single response for every authentication or
// permission failure, so callers cannot tell which resource exists.
func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authorized"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
