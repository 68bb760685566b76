package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/varkas/deathwatch/internal/domain"
	"github.com/varkas/deathwatch/internal/engine"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeOpError maps engine errors onto HTTP status codes
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidSteamID),
		errors.Is(err, engine.ErrUnknownServer),
		errors.Is(err, engine.ErrConfirmationMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUnknownUser):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotDead):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// actorName identifies the operator behind a request for the audit trail
func (r *Router) actorName(req *http.Request) string {
	if claims := r.getAuthClaims(req); claims != nil {
		return claims.Username
	}
	return "operator"
}

// handleGetStatus returns a coordinator-wide status summary
func (r *Router) handleGetStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine":  r.engine.Stats(),
		"servers": r.manager.Statuses(),
		"policy": map[string]string{
			"mode":                  r.cfg.Policy.Mode,
			"whitelist_on_validate": r.cfg.Policy.WhitelistOnValidate,
		},
		"ws_clients": r.wsHub.ClientCount(),
	})
}

// serverStatus assembles the full view of one configured server
func (r *Router) serverStatus(ctx context.Context, srv domain.GameServer) domain.ServerStatus {
	status := domain.ServerStatus{Server: srv}
	if tail, ok := r.manager.Status(srv.ID); ok {
		status.Tail = tail
	}
	if sl, ok := r.lists[srv.ID]; ok {
		if bans, err := sl.Bans.List(ctx); err == nil {
			status.BanCount = len(bans)
		}
		if wl, err := sl.Whitelist.List(ctx); err == nil {
			status.WhitelistCount = len(wl)
		}
	}
	return status
}

// handleGetServers returns every configured server with its tail state and
// list sizes
func (r *Router) handleGetServers(w http.ResponseWriter, req *http.Request) {
	statuses := make([]domain.ServerStatus, 0, len(r.cfg.Servers))
	for _, srv := range r.cfg.Servers {
		statuses = append(statuses, r.serverStatus(req.Context(), srv))
	}
	writeJSON(w, http.StatusOK, statuses)
}

// handleGetServer returns a single server
func (r *Router) handleGetServer(w http.ResponseWriter, req *http.Request) {
	srv, ok := r.cfg.ServerByID(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, r.serverStatus(req.Context(), srv))
}

// handleGetServerBans returns the ban file of one server
func (r *Router) handleGetServerBans(w http.ResponseWriter, req *http.Request) {
	r.writeListFile(w, req, "bans")
}

// handleGetServerWhitelist returns the whitelist file of one server
func (r *Router) handleGetServerWhitelist(w http.ResponseWriter, req *http.Request) {
	r.writeListFile(w, req, "whitelist")
}

func (r *Router) writeListFile(w http.ResponseWriter, req *http.Request, kind string) {
	serverID := req.PathValue("id")
	sl, ok := r.lists[serverID]
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	file := sl.Bans
	if kind == "whitelist" {
		file = sl.Whitelist
	}
	entries, err := file.List(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server_id": serverID,
		"path":      file.Path(),
		"entries":   entries,
		"count":     len(entries),
	})
}

// handleGetUsers returns users with optional search and pagination
func (r *Router) handleGetUsers(w http.ResponseWriter, req *http.Request) {
	search := req.URL.Query().Get("search")
	limit := parseLimit(req, 50, 200)
	offset := parseOffset(req)

	users, total, err := r.store.SearchUsers(req.Context(), search, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users":  users,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGetUser returns one user's live state
func (r *Router) handleGetUser(w http.ResponseWriter, req *http.Request) {
	user, ok := r.engine.User(req.PathValue("steam_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleGetDeathLeaderboard returns users ranked by death count
func (r *Router) handleGetDeathLeaderboard(w http.ResponseWriter, req *http.Request) {
	limit := parseLimit(req, 25, 100)

	entries, err := r.store.GetDeathLeaderboard(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleBanUser applies a permanent admin ban
func (r *Router) handleBanUser(w http.ResponseWriter, req *http.Request) {
	res, err := r.engine.AdminBan(req.Context(), req.PathValue("steam_id"), r.actorName(req))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleUnbanUser lifts every ban reason at once
func (r *Router) handleUnbanUser(w http.ResponseWriter, req *http.Request) {
	res, err := r.engine.AdminUnban(req.Context(), req.PathValue("steam_id"), r.actorName(req))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReviveUser ends a death early without touching validation state
func (r *Router) handleReviveUser(w http.ResponseWriter, req *http.Request) {
	res, err := r.engine.AdminRevive(req.Context(), req.PathValue("steam_id"), r.actorName(req))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleValidateUser puts a user into presence validation
func (r *Router) handleValidateUser(w http.ResponseWriter, req *http.Request) {
	var body struct {
		PlatformID string `json:"platform_id"`
	}
	// An empty body is allowed: validation can start before the platform
	// account is known.
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := r.engine.RequestValidation(req.Context(), req.PathValue("steam_id"), body.PlatformID, r.actorName(req))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSetActiveServer records which server a user plays on
func (r *Router) handleSetActiveServer(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ServerID string `json:"server_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ServerID == "" {
		writeError(w, http.StatusBadRequest, "server_id required")
		return
	}

	res, err := r.engine.SetActiveServer(req.Context(), req.PathValue("steam_id"), body.ServerID, r.actorName(req))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleWipe erases the whole user registry. The confirmation phrase is
// checked by the engine; anything else is rejected.
func (r *Router) handleWipe(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	count, err := r.engine.Wipe(req.Context(), body.Confirm, r.actorName(req))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"wiped": count})
}

// handleGetAudit returns the most recent audit entries
func (r *Router) handleGetAudit(w http.ResponseWriter, req *http.Request) {
	limit := parseLimit(req, 100, 500)

	entries, err := r.store.GetAuditEntries(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleHealth returns a simple health check response
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
