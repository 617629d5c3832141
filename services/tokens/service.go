// Package tokens keeps session access tokens fresh: it detects upcoming
// expiry, performs the refresh grant, and commits rolled refresh tokens.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/singleflight"

	"darkreel/models"
	"darkreel/services/msgraph"
	"darkreel/services/sessions"
)

// ErrAuthRequired means the session cannot be refreshed: either it never
// held tokens or the provider rejected its refresh token. The token set is
// cleared and the user must sign in again.
var ErrAuthRequired = errors.New("re-authentication required")

const (
	// DefaultRefreshSkew is the window before expiry in which a refresh is
	// triggered. 5 minutes bounds the worst case of a token dying mid-flight
	// of a downstream call.
	DefaultRefreshSkew = 5 * time.Minute

	// refreshTimeout bounds one refresh attempt. The refresh runs detached
	// from the caller's context: once the grant is sent, aborting it could
	// orphan a provider-side rotated refresh token.
	refreshTimeout = 30 * time.Second

	transientRetryDelay = 500 * time.Millisecond
)

// Provider performs the refresh grant against the identity provider.
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error)
}

// Service is the token lifecycle manager.
type Service struct {
	store    sessions.Store
	provider Provider
	skew     time.Duration
	group    singleflight.Group
}

// NewService creates a token lifecycle manager. A zero skew selects the
// default.
func NewService(store sessions.Store, provider Provider, skew time.Duration) *Service {
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return &Service{
		store:    store,
		provider: provider,
		skew:     skew,
	}
}

// EnsureFresh returns an access token for the session that is not about to
// expire, refreshing it first if necessary. It is the single entry point
// every protected operation calls before using a token.
//
// Concurrent calls for the same session share one refresh: at most one
// refresh grant is in flight per session, and waiters receive its result.
func (s *Service) EnsureFresh(ctx context.Context, sessionID string) (string, error) {
	session, err := s.store.Load(sessionID)
	if err != nil {
		return "", err
	}
	if session.TokenSet == nil {
		return "", ErrAuthRequired
	}
	if !session.TokenExpiringSoon(time.Now().UTC(), s.skew) {
		return session.TokenSet.AccessToken, nil
	}

	token, err, _ := s.group.Do(sessionID, func() (interface{}, error) {
		return s.refresh(sessionID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refresh performs the refresh grant for one session and commits the result.
// Runs inside the singleflight group, keyed by session id.
func (s *Service) refresh(sessionID string) (string, error) {
	// Re-load: a flight that completed between our expiry check and this
	// call may already have committed a fresh token.
	session, err := s.store.Load(sessionID)
	if err != nil {
		return "", err
	}
	if session.TokenSet == nil {
		return "", ErrAuthRequired
	}
	if !session.TokenExpiringSoon(time.Now().UTC(), s.skew) {
		return session.TokenSet.AccessToken, nil
	}

	// Detached context: a client abort must not cancel a grant that may
	// already have rotated the refresh token provider-side.
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	oldRefreshToken := session.TokenSet.RefreshToken

	var fresh models.TokenSet
	err = retry.Do(
		func() error {
			var rerr error
			fresh, rerr = s.provider.Refresh(ctx, oldRefreshToken)
			return rerr
		},
		retry.Attempts(2),
		retry.Delay(transientRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, msgraph.ErrTransient)
		}),
	)
	if err != nil {
		if errors.Is(err, msgraph.ErrInvalidGrant) {
			// Definitive rejection: the session's tokens are dead. Clear
			// them so the session reads as unauthenticated from here on.
			log.Printf("token refresh rejected for session, clearing token set: %v", err)
			session.TokenSet = nil
			if saveErr := s.store.Save(session); saveErr != nil && !errors.Is(saveErr, sessions.ErrSessionNotFound) {
				log.Printf("failed to clear token set: %v", saveErr)
			}
			return "", ErrAuthRequired
		}
		// Transient: leave the stored token set untouched, it may still be
		// valid.
		return "", fmt.Errorf("token refresh: %w", err)
	}

	// Rolling refresh: adopt the rotated refresh token when the provider
	// returns one, otherwise keep the current one.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = oldRefreshToken
	}
	session.TokenSet = &fresh
	if err := s.store.Save(session); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	return fresh.AccessToken, nil
}
