package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"darkreel/internal/auth"
	"darkreel/models"
	"darkreel/services/msgraph"
	"darkreel/services/sessions"
	"darkreel/services/tokens"
)

type fixedProvider struct {
	tokens models.TokenSet
	err    error
}

func (p *fixedProvider) Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error) {
	if p.err != nil {
		return models.TokenSet{}, p.err
	}
	return p.tokens, nil
}

func newAuthedSession(t *testing.T, store *sessions.Service, expiresIn time.Duration) models.Session {
	t.Helper()
	session, err := store.Create()
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	session.Identity = models.Identity{DisplayName: "Alice", Email: "alice@example.com", DomainOK: true}
	session.IsPrivileged = true
	session.TokenSet = &models.TokenSet{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().UTC().Add(expiresIn),
	}
	if err := store.Save(session); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}
	return session
}

func newGate(t *testing.T, provider tokens.Provider) (*sessions.Service, mux.MiddlewareFunc) {
	t.Helper()
	store, err := sessions.NewService(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	tokenSvc := tokens.NewService(store, provider, 5*time.Minute)
	return store, RequireSession(store, tokenSvc, false)
}

func requestWithCookie(sessionID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: sessionID})
	}
	return req
}

func TestRequireSession_PassesFreshSession(t *testing.T) {
	store, gate := newGate(t, &fixedProvider{})
	session := newAuthedSession(t, store, time.Hour)

	var gotEmail, gotToken string
	var gotPrivileged bool
	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEmail = auth.GetEmail(r)
		gotToken = auth.GetAccessToken(r)
		gotPrivileged = auth.IsPrivileged(r)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithCookie(session.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotEmail != "alice@example.com" {
		t.Errorf("expected email in context, got %q", gotEmail)
	}
	if gotToken != "at-1" {
		t.Errorf("expected access token in context, got %q", gotToken)
	}
	if !gotPrivileged {
		t.Error("expected privileged flag in context")
	}
}

func TestRequireSession_TouchesSession(t *testing.T) {
	store, gate := newGate(t, &fixedProvider{})
	session := newAuthedSession(t, store, time.Hour)

	before, _ := store.Load(session.ID)
	time.Sleep(5 * time.Millisecond)

	handler := gate(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithCookie(session.ID))

	after, _ := store.Load(session.ID)
	if !after.LastTouchedAt.After(before.LastTouchedAt) {
		t.Error("expected request to advance the session's activity timestamp")
	}
}

func TestRequireSession_NoCookie(t *testing.T) {
	_, gate := newGate(t, &fixedProvider{})
	handler := gate(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithCookie(""))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireSession_UnknownSessionClearsCookie(t *testing.T) {
	_, gate := newGate(t, &fixedProvider{})
	handler := gate(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithCookie("stale-session-id"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != auth.CookieName || cookies[0].MaxAge >= 0 {
		t.Errorf("expected session cookie expired, got %+v", cookies)
	}
}

func TestRequireSession_AnonymousSession(t *testing.T) {
	store, gate := newGate(t, &fixedProvider{})
	session, err := store.Create()
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	handler := gate(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithCookie(session.ID))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for session without a completed login, got %d", rec.Code)
	}
}

func TestRequireSession_RefreshRejection(t *testing.T) {
	store, gate := newGate(t, &fixedProvider{err: msgraph.ErrInvalidGrant})
	session := newAuthedSession(t, store, time.Minute)

	handler := gate(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithCookie(session.ID))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when refresh is rejected, got %d", rec.Code)
	}
}

func TestRequireSession_ProviderOutage(t *testing.T) {
	store, gate := newGate(t, &fixedProvider{err: msgraph.ErrTransient})
	session := newAuthedSession(t, store, time.Minute)

	handler := gate(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithCookie(session.ID))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 during provider outage, got %d", rec.Code)
	}

	stored, _ := store.Load(session.ID)
	if stored.TokenSet == nil {
		t.Error("outage must not destroy the stored token set")
	}
}

func TestRequirePrivileged(t *testing.T) {
	handler := RequirePrivileged()(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/sweep", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without elevated rights, got %d", rec.Code)
	}

	ctx := context.WithValue(req.Context(), auth.ContextKeyPrivileged, true)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with elevated rights, got %d", rec.Code)
	}
}
