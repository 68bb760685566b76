package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/varkas/deathwatch/internal/auth"
)

// LoginRequest is the request body for login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the response body for successful login
type LoginResponse struct {
	Token                  string `json:"token"`
	Username               string `json:"username"`
	IsAdmin                bool   `json:"is_admin"`
	PasswordChangeRequired bool   `json:"password_change_required"`
}

// handleLogin authenticates an operator and returns a JWT token
func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var login LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&login); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if login.Username == "" || login.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	op, err := r.store.GetOperatorByUsername(req.Context(), login.Username)
	if err != nil || !auth.CheckPassword(login.Password, op.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := r.auth.GenerateToken(op.ID, op.Username, op.IsAdmin, op.PasswordChangeRequired)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	// Best effort; the login itself already succeeded
	r.store.UpdateOperatorLastLogin(req.Context(), op.ID)

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:                  token,
		Username:               op.Username,
		IsAdmin:                op.IsAdmin,
		PasswordChangeRequired: op.PasswordChangeRequired,
	})
}

// handleLogout handles logout (JWT is stateless, client just discards token)
func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthCheck checks if the current token is valid
func (r *Router) handleAuthCheck(w http.ResponseWriter, req *http.Request) {
	claims := r.getAuthClaims(req)
	if claims == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"authenticated": false,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated":            true,
		"username":                 claims.Username,
		"is_admin":                 claims.IsAdmin,
		"password_change_required": claims.PasswordChangeRequired,
	})
}

// requireAuth is middleware that validates JWT before calling the handler
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		claims := r.getAuthClaims(req)
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, req)
	}
}

// requireAdmin is middleware that validates JWT and checks admin status
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		claims := r.getAuthClaims(req)
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !claims.IsAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, req)
	}
}

// getAuthClaims extracts and validates JWT from Authorization header
func (r *Router) getAuthClaims(req *http.Request) *auth.Claims {
	authHeader := req.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	claims, err := r.auth.ValidateToken(token)
	if err != nil {
		return nil
	}

	return claims
}

// ChangePasswordRequest is the request body for password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleChangePassword allows operators to change their own password
func (r *Router) handleChangePassword(w http.ResponseWriter, req *http.Request) {
	claims := r.getAuthClaims(req)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body ChangePasswordRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(body.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	op, err := r.store.GetOperatorByID(req.Context(), claims.OperatorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get operator")
		return
	}

	if !auth.CheckPassword(body.CurrentPassword, op.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	if err := r.store.UpdateOperatorPassword(req.Context(), claims.OperatorID, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update password")
		return
	}

	// Re-issue the token so the change-required flag clears immediately
	newToken, err := r.auth.GenerateToken(op.ID, op.Username, op.IsAdmin, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate new token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "password changed successfully",
		"token":   newToken,
	})
}

// CreateOperatorRequest is the request body for creating an operator (admin only)
type CreateOperatorRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

// handleCreateOperator creates a new operator account (admin only)
func (r *Router) handleCreateOperator(w http.ResponseWriter, req *http.Request) {
	var body CreateOperatorRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if len(body.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	if err := r.store.CreateOperator(req.Context(), body.Username, hash, body.IsAdmin); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			writeError(w, http.StatusConflict, "username already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create operator")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "operator created"})
}

// OperatorResponse is an operator account without the password hash
type OperatorResponse struct {
	ID                     int64      `json:"id"`
	Username               string     `json:"username"`
	IsAdmin                bool       `json:"is_admin"`
	PasswordChangeRequired bool       `json:"password_change_required"`
	CreatedAt              time.Time  `json:"created_at"`
	LastLogin              *time.Time `json:"last_login,omitempty"`
}

// handleListOperators returns all operator accounts (admin only)
func (r *Router) handleListOperators(w http.ResponseWriter, req *http.Request) {
	ops, err := r.store.ListOperators(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Password hashes stay server-side
	response := make([]OperatorResponse, len(ops))
	for i, op := range ops {
		response[i] = OperatorResponse{
			ID:                     op.ID,
			Username:               op.Username,
			IsAdmin:                op.IsAdmin,
			PasswordChangeRequired: op.PasswordChangeRequired,
			CreatedAt:              op.CreatedAt,
			LastLogin:              op.LastLogin,
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleDeleteOperator deletes an operator account (admin only)
func (r *Router) handleDeleteOperator(w http.ResponseWriter, req *http.Request) {
	username := req.PathValue("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	claims := r.getAuthClaims(req)
	if claims != nil && claims.Username == username {
		writeError(w, http.StatusForbidden, "cannot delete yourself")
		return
	}

	if err := r.store.DeleteOperator(req.Context(), username); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "operator deleted"})
}

// ResetPasswordRequest is the request body for admin password reset
type ResetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// handleResetOperatorPassword resets an operator's password (admin only).
// The operator must change it on their next login.
func (r *Router) handleResetOperatorPassword(w http.ResponseWriter, req *http.Request) {
	operatorID, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid operator id")
		return
	}

	var body ResetPasswordRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(body.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	if err := r.store.ResetOperatorPassword(req.Context(), operatorID, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password reset"})
}
