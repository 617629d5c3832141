// Package api holds the HTTP middleware guarding protected routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"darkreel/internal/auth"
	"darkreel/services/msgraph"
	"darkreel/services/sessions"
	"darkreel/services/tokens"
)

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// RequireSession gates a route on an authenticated session. It resolves the
// session cookie, verifies the login completed, and guarantees the access
// token handed to the handler is not about to expire.
//
// A dead or unauthenticated session answers 401 and expires the cookie; a
// provider outage during refresh answers 503 without touching the session.
func RequireSession(store sessions.Store, tokenSvc *tokens.Service, secureCookies bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Always allow OPTIONS for CORS
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			sessionID := auth.SessionIDFromRequest(r)
			if sessionID == "" {
				jsonError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			session, err := store.Load(sessionID)
			if err != nil {
				auth.ClearSessionCookie(w, secureCookies)
				jsonError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}
			if !session.IsAuthenticated() {
				auth.ClearSessionCookie(w, secureCookies)
				jsonError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			accessToken, err := tokenSvc.EnsureFresh(r.Context(), sessionID)
			if err != nil {
				switch {
				case errors.Is(err, tokens.ErrAuthRequired), errors.Is(err, sessions.ErrSessionNotFound):
					auth.ClearSessionCookie(w, secureCookies)
					jsonError(w, http.StatusUnauthorized, "re-authentication required")
				case errors.Is(err, msgraph.ErrTransient):
					jsonError(w, http.StatusServiceUnavailable, "identity provider unavailable")
				default:
					log.Printf("token check failed: %v", err)
					jsonError(w, http.StatusInternalServerError, "internal error")
				}
				return
			}

			// Sliding expiry: any authenticated request counts as activity.
			if err := store.Touch(sessionID); err != nil {
				log.Printf("failed to touch session: %v", err)
			}

			ctx := context.WithValue(r.Context(), auth.ContextKeySessionID, sessionID)
			ctx = context.WithValue(ctx, auth.ContextKeyEmail, session.Identity.Email)
			ctx = context.WithValue(ctx, auth.ContextKeyDisplayName, session.Identity.DisplayName)
			ctx = context.WithValue(ctx, auth.ContextKeyPrivileged, session.IsPrivileged)
			ctx = context.WithValue(ctx, auth.ContextKeyAccessToken, accessToken)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePrivileged gates a route on elevated rights. It must run inside
// RequireSession, which resolves the flag into the request context.
func RequirePrivileged() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if !auth.IsPrivileged(r) {
				jsonError(w, http.StatusForbidden, "admin rights required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
