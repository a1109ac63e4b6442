package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"authcore/internal/auth"
	"authcore/internal/gate"
	"authcore/internal/service"
	"authcore/internal/util"
)

// AuthHandler exposes the login, logout and password endpoints.
type AuthHandler struct {
	authService *service.AuthService
	core        *auth.Core
	gate        *gate.Gate
	logger      *zap.Logger
}

func NewAuthHandler(authService *service.AuthService, core *auth.Core, g *gate.Gate, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		core:        core,
		gate:        g,
		logger:      logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success   bool     `json:"success"`
	Data      any      `json:"data,omitempty"`
	Error     string   `json:"error,omitempty"`
	Message   string   `json:"message,omitempty"`
	Messages  []string `json:"messages,omitempty"`
	CSRFToken string   `json:"csrf_token,omitempty"`
}

func successResponse(data any, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/session", h.Session)

		r.Post("/password/reset-request", h.RequestPasswordReset)
		r.Post("/password/reset", h.ResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(h.gate.RequirePermission(""))
			r.Post("/password/change", h.ChangePassword)
		})
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles credential verification and session promotion.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	info := gate.FromContext(r.Context())
	if h.rejectBlocked(w, info) {
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("missing credentials"), "Username and password are required")
		return
	}

	principal, newExternalID, err := h.authService.Login(r.Context(), info.ExternalID, req.Username, req.Password, info.ClientIP)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}

	h.gate.SetSessionCookie(w, newExternalID)
	h.respondWithJSON(w, http.StatusOK, successResponse(principal, "Logged in"))
}

// Logout tears the session down and hands out a fresh anonymous identifier.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	info := gate.FromContext(r.Context())
	if h.rejectBlocked(w, info) {
		return
	}

	newExternalID, err := h.core.Logoff(r.Context(), info.ExternalID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Logout failed")
		return
	}

	h.gate.SetSessionCookie(w, newExternalID)
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// Session reports the current identity, pending messages and the CSRF
// token for the next state-changing request.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	info := gate.FromContext(r.Context())

	messages := info.Messages
	if msg, err := h.core.ConsumeMessage(r.Context(), info.ExternalID); err == nil && msg != "" {
		messages = append(messages, msg)
	}

	resp := Response{
		Success:   true,
		Data:      info.Principal,
		Messages:  messages,
		CSRFToken: info.CSRFToken,
	}
	if !info.Authenticated() {
		resp.Message = "Not authenticated"
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword rotates the credential of the logged-in user and
// force-expires all of their sessions.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	info := gate.FromContext(r.Context())
	if h.rejectBlocked(w, info) {
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.NewPassword == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("missing new password"), "New password is required")
		return
	}

	if err := h.authService.ChangePassword(r.Context(), info.Principal, req.OldPassword, req.NewPassword); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to change password")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password changed; please log in again"))
}

type resetRequestRequest struct {
	Username string `json:"username"`
}

// RequestPasswordReset issues a reset code. The response is identical for
// known and unknown usernames.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	info := gate.FromContext(r.Context())
	if h.rejectBlocked(w, info) {
		return
	}

	var req resetRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	code, err := h.authService.RequestPasswordReset(r.Context(), req.Username)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to request password reset")
		return
	}

	var data any
	if code != "" {
		data = map[string]string{"reset_code": code}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(data, "If the account exists, a reset code has been issued"))
}

type resetPasswordRequest struct {
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// ResetPassword redeems a reset code.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	info := gate.FromContext(r.Context())
	if h.rejectBlocked(w, info) {
		return
	}

	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Code == "" || req.NewPassword == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("missing fields"), "Code and new password are required")
		return
	}

	if err := h.authService.ResetPassword(r.Context(), info.ClientIP, req.Code, req.NewPassword); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reset password")
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		h.gate.RedirectWithNotice(w, r, "/login", "Password reset; please log in")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password reset; please log in"))
}

// rejectBlocked stops state-changing work for requests the gate downgraded
// to read-only after a failed CSRF check.
func (h *AuthHandler) rejectBlocked(w http.ResponseWriter, info *gate.RequestInfo) bool {
	if info == nil || !info.Blocked {
		return false
	}
	h.respondWithJSON(w, http.StatusForbidden, Response{
		Success: false,
		Error:   "request blocked",
		Message: gate.GenericCSRFMessage,
	})
	return true
}

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidResetCode):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
