// Package authflow drives the OAuth2 authorization-code flow end to end:
// it issues the authorize redirect, validates the callback, exchanges the
// code, resolves the user's identity and promotes the session.
package authflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"

	"darkreel/models"
	"darkreel/services/msgraph"
	"darkreel/services/sessions"
)

var (
	// ErrStateMismatch means the callback's state token did not match the
	// one bound to the session. The attempt is treated as hostile and the
	// session is destroyed.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrAuthFailed means the provider declined the attempt or the code
	// exchange / profile fetch failed. The session is destroyed.
	ErrAuthFailed = errors.New("authorization failed")

	// ErrDomainRejected means the signed-in account's email domain is not
	// on the allowlist. The session is destroyed.
	ErrDomainRejected = errors.New("email domain not allowed")
)

// stateLength is the byte length of the CSRF state token before encoding.
const stateLength = 32

// IdentityClient is the identity-provider surface the flow needs.
type IdentityClient interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (models.TokenSet, error)
	GetProfile(ctx context.Context, accessToken string) (msgraph.Profile, error)
}

// Directory resolves whether a signed-in user holds elevated rights.
type Directory interface {
	IsPrivileged(ctx context.Context, accessToken, email string) (bool, error)
}

// ActivityLogger records completed logins in an external audit list.
type ActivityLogger interface {
	ActivityLogConfigured() bool
	LogLoginActivity(ctx context.Context, accessToken, email, name, role string) error
}

// Service is the authorization flow controller.
type Service struct {
	store         sessions.Store
	idp           IdentityClient
	directory     Directory
	activity      ActivityLogger
	domainAllowed func(email string) bool
}

// NewService creates a flow controller. domainAllowed decides the email
// allowlist; directory and activity may be the unconfigured zero services.
func NewService(store sessions.Store, idp IdentityClient, directory Directory, activity ActivityLogger, domainAllowed func(string) bool) *Service {
	if domainAllowed == nil {
		domainAllowed = func(string) bool { return true }
	}
	return &Service{
		store:         store,
		idp:           idp,
		directory:     directory,
		activity:      activity,
		domainAllowed: domainAllowed,
	}
}

// newState generates the single-use CSRF state token.
func newState() (string, error) {
	buf := make([]byte, stateLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// sanitizeNext keeps only in-app paths as post-login destinations. Anything
// absolute, protocol-relative or empty collapses to the root.
func sanitizeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") ||
		strings.ContainsAny(next, "\\\r\n") {
		return ""
	}
	return next
}

// Begin starts an authorization attempt: it creates a fresh anonymous
// session, binds a new state token to it and returns the session together
// with the provider authorize URL to redirect the browser to.
func (s *Service) Begin(next string) (models.Session, string, error) {
	state, err := newState()
	if err != nil {
		return models.Session{}, "", err
	}

	session, err := s.store.Create()
	if err != nil {
		return models.Session{}, "", fmt.Errorf("create session: %w", err)
	}
	session.OAuthState = state
	session.NextURL = sanitizeNext(next)
	if err := s.store.Save(session); err != nil {
		return models.Session{}, "", fmt.Errorf("bind state to session: %w", err)
	}

	return session, s.idp.AuthCodeURL(state), nil
}

// Complete finishes an authorization attempt from the provider callback.
// On success the session holds the user's identity and token set and the
// returned copy still carries the post-login destination. On any failure
// the session is destroyed and a sentinel error describes why.
//
// The state token is consumed (persisted as cleared) before the code is
// exchanged, so a replayed callback can never trigger a second exchange.
func (s *Service) Complete(ctx context.Context, sessionID, state, code, providerError string) (models.Session, error) {
	session, err := s.store.Load(sessionID)
	if err != nil {
		return models.Session{}, err
	}

	expected := session.OAuthState
	session.OAuthState = ""
	if expected == "" || state == "" || state != expected {
		s.destroy(sessionID)
		return models.Session{}, ErrStateMismatch
	}
	if err := s.store.Save(session); err != nil {
		return models.Session{}, fmt.Errorf("consume state: %w", err)
	}

	if providerError != "" {
		s.destroy(sessionID)
		return models.Session{}, fmt.Errorf("provider returned %q: %w", providerError, ErrAuthFailed)
	}
	if code == "" {
		s.destroy(sessionID)
		return models.Session{}, fmt.Errorf("callback missing code: %w", ErrAuthFailed)
	}

	// The authorization code is single-use provider-side, so a failed
	// exchange is never retried.
	tokens, err := s.idp.ExchangeCode(ctx, code)
	if err != nil {
		s.destroy(sessionID)
		return models.Session{}, fmt.Errorf("code exchange: %w: %w", err, ErrAuthFailed)
	}

	profile, err := s.idp.GetProfile(ctx, tokens.AccessToken)
	if err != nil {
		s.destroy(sessionID)
		return models.Session{}, fmt.Errorf("profile fetch: %w: %w", err, ErrAuthFailed)
	}

	email := profile.Email()
	if !s.domainAllowed(email) {
		s.destroy(sessionID)
		return models.Session{}, ErrDomainRejected
	}

	// Privileged lookup is best effort; a directory failure must not block
	// a valid login.
	privileged := false
	if s.directory != nil {
		privileged, err = s.directory.IsPrivileged(ctx, tokens.AccessToken, email)
		if err != nil {
			log.Printf("privileged directory lookup failed, defaulting to standard role: %v", err)
			privileged = false
		}
	}

	session.Identity = models.Identity{
		DisplayName: profile.DisplayName,
		Email:       email,
		DomainOK:    true,
	}
	session.TokenSet = &tokens
	session.IsPrivileged = privileged

	completed := session
	session.NextURL = ""
	if err := s.store.Save(session); err != nil {
		return models.Session{}, fmt.Errorf("persist authenticated session: %w", err)
	}

	if s.activity != nil && s.activity.ActivityLogConfigured() {
		role := "User"
		if privileged {
			role = "Admin"
		}
		if err := s.activity.LogLoginActivity(ctx, tokens.AccessToken, email, profile.DisplayName, role); err != nil {
			log.Printf("login activity logging failed: %v", err)
		}
	}

	return completed, nil
}

// destroy best-effort deletes a session whose authorization attempt failed.
func (s *Service) destroy(sessionID string) {
	if err := s.store.Delete(sessionID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		log.Printf("failed to delete session after failed authorization: %v", err)
	}
}
