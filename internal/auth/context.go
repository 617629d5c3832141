package auth

import (
	"net/http"
	"time"
)

// CookieName is the browser cookie carrying the opaque session ID. The ID is
// the only session material that ever crosses to the client.
const CookieName = "darkreel_session"

// ContextKey is the type used for context keys
type ContextKey string

const (
	// ContextKeySessionID is the key for the session ID in the context
	ContextKeySessionID ContextKey = "sessionID"
	// ContextKeyEmail is the key for the signed-in user's email
	ContextKeyEmail ContextKey = "email"
	// ContextKeyDisplayName is the key for the signed-in user's display name
	ContextKeyDisplayName ContextKey = "displayName"
	// ContextKeyPrivileged is the key for the elevated-rights flag
	ContextKeyPrivileged ContextKey = "privileged"
	// ContextKeyAccessToken is the key for the fresh Graph access token
	ContextKeyAccessToken ContextKey = "accessToken"
)

// GetSessionID retrieves the authenticated session ID from the request context.
func GetSessionID(r *http.Request) string {
	if id, ok := r.Context().Value(ContextKeySessionID).(string); ok {
		return id
	}
	return ""
}

// GetEmail retrieves the signed-in user's email from the request context.
func GetEmail(r *http.Request) string {
	if email, ok := r.Context().Value(ContextKeyEmail).(string); ok {
		return email
	}
	return ""
}

// GetDisplayName retrieves the signed-in user's display name from the request context.
func GetDisplayName(r *http.Request) string {
	if name, ok := r.Context().Value(ContextKeyDisplayName).(string); ok {
		return name
	}
	return ""
}

// IsPrivileged checks if the signed-in user holds elevated rights.
func IsPrivileged(r *http.Request) bool {
	if privileged, ok := r.Context().Value(ContextKeyPrivileged).(bool); ok {
		return privileged
	}
	return false
}

// GetAccessToken retrieves the fresh access token from the request context.
// Handlers use it for downstream Graph calls; it is never written to the
// response or the logs.
func GetAccessToken(r *http.Request) string {
	if token, ok := r.Context().Value(ContextKeyAccessToken).(string); ok {
		return token
	}
	return ""
}

// SessionIDFromRequest reads the session cookie. Empty means no session.
func SessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetSessionCookie binds the session ID to the browser. HttpOnly keeps it
// away from scripts; SameSite=Lax still lets the provider's callback
// redirect carry it.
func SetSessionCookie(w http.ResponseWriter, sessionID string, maxAge time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
