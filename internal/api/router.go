package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/varkas/deathwatch/internal/auth"
	"github.com/varkas/deathwatch/internal/collector"
	"github.com/varkas/deathwatch/internal/config"
	"github.com/varkas/deathwatch/internal/engine"
	"github.com/varkas/deathwatch/internal/lists"
	"github.com/varkas/deathwatch/internal/storage"
)

// Router holds the HTTP routes and dependencies
type Router struct {
	mux       *http.ServeMux
	cfg       *config.Config
	store     *storage.Store
	engine    *engine.Engine
	manager   *collector.Manager
	lists     map[string]*lists.ServerLists
	wsHub     *WebSocketHub
	logStream *LogStreamManager
	auth      *auth.Service
	staticDir string
}

// NewRouter creates a new HTTP router. The hub is passed in because the
// audit recorder broadcasts through it and is constructed first.
func NewRouter(cfg *config.Config, store *storage.Store, eng *engine.Engine, manager *collector.Manager, serverLists []*lists.ServerLists, hub *WebSocketHub, authService *auth.Service, staticDir string) *Router {
	byID := make(map[string]*lists.ServerLists, len(serverLists))
	for _, sl := range serverLists {
		byID[sl.ServerID] = sl
	}
	r := &Router{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		store:     store,
		engine:    eng,
		manager:   manager,
		lists:     byID,
		wsHub:     hub,
		logStream: NewLogStreamManager(cfg),
		auth:      authService,
		staticDir: staticDir,
	}

	// Coordinator and server state
	r.mux.HandleFunc("GET /api/status", r.handleGetStatus)
	r.mux.HandleFunc("GET /api/servers", r.handleGetServers)
	r.mux.HandleFunc("GET /api/servers/{id}", r.handleGetServer)
	r.mux.HandleFunc("GET /api/servers/{id}/bans", r.requireAuth(r.handleGetServerBans))
	r.mux.HandleFunc("GET /api/servers/{id}/whitelist", r.requireAuth(r.handleGetServerWhitelist))
	r.mux.HandleFunc("GET /api/servers/{id}/log-status", r.requireAuth(r.handleLogStatus))

	// User registry
	r.mux.HandleFunc("GET /api/users", r.requireAuth(r.handleGetUsers))
	r.mux.HandleFunc("GET /api/users/{steam_id}", r.requireAuth(r.handleGetUser))
	r.mux.HandleFunc("GET /api/deaths/leaderboard", r.handleGetDeathLeaderboard)

	// Ban lifecycle. Validation and server assignment are routine operator
	// work; ban, unban, revive and wipe need the admin flag.
	r.mux.HandleFunc("POST /api/users/{steam_id}/ban", r.requireAdmin(r.handleBanUser))
	r.mux.HandleFunc("POST /api/users/{steam_id}/unban", r.requireAdmin(r.handleUnbanUser))
	r.mux.HandleFunc("POST /api/users/{steam_id}/revive", r.requireAdmin(r.handleReviveUser))
	r.mux.HandleFunc("POST /api/users/{steam_id}/validate", r.requireAuth(r.handleValidateUser))
	r.mux.HandleFunc("POST /api/users/{steam_id}/server", r.requireAuth(r.handleSetActiveServer))
	r.mux.HandleFunc("POST /api/admin/wipe", r.requireAdmin(r.handleWipe))

	// Audit trail
	r.mux.HandleFunc("GET /api/audit", r.requireAuth(r.handleGetAudit))

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("POST /api/auth/logout", r.handleLogout)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)
	r.mux.HandleFunc("POST /api/auth/change-password", r.requireAuth(r.handleChangePassword))

	// Operator management routes (admin only)
	r.mux.HandleFunc("GET /api/operators", r.requireAdmin(r.handleListOperators))
	r.mux.HandleFunc("POST /api/operators", r.requireAdmin(r.handleCreateOperator))
	r.mux.HandleFunc("DELETE /api/operators/{username}", r.requireAdmin(r.handleDeleteOperator))
	r.mux.HandleFunc("POST /api/operators/{id}/reset-password", r.requireAdmin(r.handleResetOperatorPassword))

	// WebSocket endpoints
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)
	r.mux.HandleFunc("GET /ws/logs", r.handleLogWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Static files - only serve if staticDir is configured
	if staticDir != "" {
		r.mux.HandleFunc("GET /", r.handleStatic)
	}

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS headers for API
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// StartWebSocketHub starts broadcasting events to WebSocket clients
func (r *Router) StartWebSocketHub() {
	go r.wsHub.Run()

	// Forward collector events (rotations, truncations) to the hub; audit
	// events arrive through the recorder.
	go func() {
		for event := range r.manager.Events() {
			r.wsHub.Broadcast(event)
		}
	}()
}

// handleStatic serves the dashboard bundle. Paths that don't resolve to a
// file get index.html so client-side routing works on reload.
func (r *Router) handleStatic(w http.ResponseWriter, req *http.Request) {
	path := filepath.Clean(req.URL.Path)
	if path == "/" {
		path = "/index.html"
	}
	fullPath := filepath.Join(r.staticDir, path)

	// Keep traversal attempts inside the bundle directory
	absStaticDir, _ := filepath.Abs(r.staticDir)
	absPath, _ := filepath.Abs(fullPath)
	if !strings.HasPrefix(absPath, absStaticDir) {
		http.NotFound(w, req)
		return
	}

	if info, err := os.Stat(fullPath); err != nil || info.IsDir() {
		fullPath = filepath.Join(r.staticDir, "index.html")
		if _, err := os.Stat(fullPath); err != nil {
			http.NotFound(w, req)
			return
		}
	}

	http.ServeFile(w, req, fullPath)
}
