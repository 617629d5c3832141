// Package handlers holds the HTTP endpoints: the login flow, session
// keep-alive and the admin maintenance surface.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"darkreel/internal/auth"
	"darkreel/services/authflow"
	"darkreel/services/msgraph"
	"darkreel/services/sessions"
	"darkreel/services/tokens"
)

// AuthHandler handles the login, callback, logout and keep-alive endpoints.
type AuthHandler struct {
	store         sessions.Store
	flow          *authflow.Service
	tokens        *tokens.Service
	cookieMaxAge  time.Duration
	secureCookies bool
}

// NewAuthHandler creates a new auth handler. cookieMaxAge should match the
// sliding idle lifetime of sessions.
func NewAuthHandler(store sessions.Store, flow *authflow.Service, tokenSvc *tokens.Service, cookieMaxAge time.Duration, secureCookies bool) *AuthHandler {
	return &AuthHandler{
		store:         store,
		flow:          flow,
		tokens:        tokenSvc,
		cookieMaxAge:  cookieMaxAge,
		secureCookies: secureCookies,
	}
}

// Login starts an authorization attempt and sends the browser to the
// identity provider. An optional ?next= in-app path is remembered and
// honored after the callback.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	session, redirect, err := h.flow.Begin(r.URL.Query().Get("next"))
	if err != nil {
		log.Printf("failed to start authorization: %v", err)
		http.Error(w, `{"error": "failed to start sign-in"}`, http.StatusInternalServerError)
		return
	}

	auth.SetSessionCookie(w, session.ID, h.cookieMaxAge, h.secureCookies)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Callback finishes the authorization attempt. Failures redirect back to
// the root with a coarse auth_error code; details stay in the server log.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := auth.SessionIDFromRequest(r)
	if sessionID == "" {
		h.failLogin(w, r, "csrf", errors.New("callback without session cookie"))
		return
	}

	completed, err := h.flow.Complete(r.Context(), sessionID, q.Get("state"), q.Get("code"), q.Get("error"))
	if err != nil {
		switch {
		case errors.Is(err, authflow.ErrStateMismatch), errors.Is(err, sessions.ErrSessionNotFound):
			h.failLogin(w, r, "csrf", err)
		case errors.Is(err, authflow.ErrDomainRejected):
			h.failLogin(w, r, "denied", err)
		case errors.Is(err, msgraph.ErrTransient):
			h.failLogin(w, r, "unavailable", err)
		default:
			h.failLogin(w, r, "failed", err)
		}
		return
	}

	next := completed.NextURL
	if next == "" {
		next = "/"
	}
	http.Redirect(w, r, next, http.StatusFound)
}

// failLogin logs the underlying cause, drops the cookie and bounces the
// browser back to the root with a coarse error code.
func (h *AuthHandler) failLogin(w http.ResponseWriter, r *http.Request, code string, err error) {
	log.Printf("authorization failed (%s): %v", code, err)
	auth.ClearSessionCookie(w, h.secureCookies)
	http.Redirect(w, r, "/?auth_error="+code, http.StatusFound)
}

// Logout destroys the session and expires the cookie. A missing or already
// destroyed session is still a successful logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := auth.SessionIDFromRequest(r); sessionID != "" {
		if err := h.store.Delete(sessionID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			log.Printf("failed to delete session on logout: %v", err)
		}
	}

	auth.ClearSessionCookie(w, h.secureCookies)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Ping is the keep-alive endpoint. A page left open calls it periodically;
// it counts as activity and keeps the access token warm so the next real
// request never pays the refresh latency.
func (h *AuthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	sessionID := auth.SessionIDFromRequest(r)
	if sessionID == "" {
		pingStatus(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	session, err := h.store.Load(sessionID)
	if err != nil || !session.IsAuthenticated() {
		auth.ClearSessionCookie(w, h.secureCookies)
		pingStatus(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if _, err := h.tokens.EnsureFresh(r.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, tokens.ErrAuthRequired), errors.Is(err, sessions.ErrSessionNotFound):
			auth.ClearSessionCookie(w, h.secureCookies)
			pingStatus(w, http.StatusUnauthorized, "unauthorized")
		default:
			log.Printf("keep-alive refresh failed: %v", err)
			pingStatus(w, http.StatusInternalServerError, "error")
		}
		return
	}

	if err := h.store.Touch(sessionID); err != nil {
		log.Printf("failed to touch session on keep-alive: %v", err)
	}

	pingStatus(w, http.StatusOK, "ok")
}

func pingStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// MeResponse describes the signed-in user.
type MeResponse struct {
	DisplayName  string `json:"displayName"`
	Email        string `json:"email"`
	IsPrivileged bool   `json:"isPrivileged"`
}

// Me returns the signed-in user's identity. Runs behind the session gate,
// which resolves the identity into the request context.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	resp := MeResponse{
		DisplayName:  auth.GetDisplayName(r),
		Email:        auth.GetEmail(r),
		IsPrivileged: auth.IsPrivileged(r),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
