package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/akmatori/escalator/internal/api"
	"github.com/akmatori/escalator/internal/middleware"
)

// AuthHandler issues operator sessions for the dashboard. Operators act on
// alerts under the name carried by their session.
type AuthHandler struct {
	sessions *middleware.JWTAuthMiddleware
}

// NewAuthHandler creates an AuthHandler backed by the JWT middleware
func NewAuthHandler(sessions *middleware.JWTAuthMiddleware) *AuthHandler {
	return &AuthHandler{sessions: sessions}
}

// SetupRoutes registers /auth endpoints
func (h *AuthHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("GET /auth/verify", h.handleVerify)
}

// handleLogin handles POST /auth/login
func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondBodyError(w, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	if !h.sessions.ValidateCredentials(req.Username, req.Password) {
		log.Printf("Auth: rejected login for operator %q from %s", req.Username, r.RemoteAddr)
		api.RespondErrorWithCode(w, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password")
		return
	}

	token, expires, err := h.sessions.IssueSession(req.Username)
	if err != nil {
		log.Printf("Auth: failed to issue session for %q: %v", req.Username, err)
		api.RespondErrorWithCode(w, http.StatusInternalServerError, api.CodeInternal, "failed to issue session")
		return
	}

	log.Printf("Auth: operator %q signed in from %s until %s", req.Username, r.RemoteAddr, expires.Format("15:04 MST"))
	api.RespondJSON(w, http.StatusOK, api.LoginResponse{
		Token:     token,
		Username:  req.Username,
		ExpiresIn: int(h.sessions.TokenTTL().Seconds()),
		ExpiresAt: expires,
	})
}

// handleVerify handles GET /auth/verify
func (h *AuthHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.IsEnabled() {
		api.RespondJSON(w, http.StatusOK, api.SessionStatus{Valid: true})
		return
	}
	operator := middleware.OperatorFromContext(r.Context())
	if operator == "" {
		api.RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.SessionStatus{Valid: true, AuthEnabled: true, Username: operator})
}
