package models

import "time"

// TokenSet holds the credentials issued by the identity provider for one
// session. AccessToken and RefreshToken are opaque and sensitive: they never
// leave the server and are never logged.
type TokenSet struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Identity describes the signed-in user as resolved from the provider's
// profile endpoint. DomainOK records that the email passed the domain
// allowlist at login time.
type Identity struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	DomainOK    bool   `json:"domainOk"`
}

// Session is one browser session's server-side record. Only ID crosses the
// trust boundary to the browser (as an opaque cookie value).
type Session struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	LastTouchedAt time.Time `json:"lastTouchedAt"`

	// OAuthState is the single-use CSRF token bound to an in-flight
	// authorization attempt. It is cleared the first time it is checked.
	OAuthState string `json:"oauthState,omitempty"`

	// NextURL is the in-app path to return to after login completes.
	NextURL string `json:"nextUrl,omitempty"`

	Identity     Identity  `json:"identity"`
	TokenSet     *TokenSet `json:"tokenSet,omitempty"`
	IsPrivileged bool      `json:"isPrivileged"`
}

// IsAuthenticated reports whether the session completed the authorization
// flow: it holds a token set and its identity passed the domain check.
func (s Session) IsAuthenticated() bool {
	return s.TokenSet != nil && s.Identity.DomainOK
}

// TokenExpiringSoon reports whether the access token expires within skew of
// now. The boundary is inclusive: a token expiring exactly skew from now
// counts as expiring. A session without a token set always counts.
func (s Session) TokenExpiringSoon(now time.Time, skew time.Duration) bool {
	if s.TokenSet == nil {
		return true
	}
	return !now.Add(skew).Before(s.TokenSet.ExpiresAt)
}
