// Package msgraph talks to the Microsoft identity platform (OAuth2
// authorization-code grant) and the Graph profile endpoint.
package msgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"darkreel/models"
)

const (
	defaultLoginBaseURL = "https://login.microsoftonline.com"
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	// defaultExpiresIn is assumed when the provider omits expires_in.
	defaultExpiresIn = 3599

	requestTimeout = 10 * time.Second
)

var (
	// ErrInvalidGrant means the provider definitively rejected the grant
	// (expired/invalid code or refresh token, revoked consent). Not retryable.
	ErrInvalidGrant = errors.New("identity provider rejected the grant")

	// ErrTransient means the provider could not be reached or answered with
	// a server error. The call may be retried once; no stored token state
	// should be discarded because of it.
	ErrTransient = errors.New("identity provider temporarily unavailable")
)

// Client is an OAuth2 confidential client for one app registration.
type Client struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	tenantID     string
	redirectURI  string
	scopes       []string

	loginBaseURL string
	graphBaseURL string
}

// Config holds the client registration values.
type Config struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURI  string
	Scopes       []string

	// Base URL overrides, used by tests. Empty means production endpoints.
	LoginBaseURL string
	GraphBaseURL string
}

// NewClient creates a Microsoft identity client.
func NewClient(cfg Config) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: requestTimeout},
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tenantID:     cfg.TenantID,
		redirectURI:  cfg.RedirectURI,
		scopes:       cfg.Scopes,
		loginBaseURL: cfg.LoginBaseURL,
		graphBaseURL: cfg.GraphBaseURL,
	}
	if c.loginBaseURL == "" {
		c.loginBaseURL = defaultLoginBaseURL
	}
	if c.graphBaseURL == "" {
		c.graphBaseURL = defaultGraphBaseURL
	}
	return c
}

// scopeParam joins the configured scopes plus offline_access, which the
// client injects exactly once. Config validation rejects a configured
// offline_access, so this never duplicates it.
func (c *Client) scopeParam() string {
	return strings.Join(append(append([]string(nil), c.scopes...), "offline_access"), " ")
}

// AuthCodeURL builds the authorization redirect URL for the given CSRF
// state token. prompt=select_account forces account selection.
func (c *Client) AuthCodeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.redirectURI)
	q.Set("response_mode", "query")
	q.Set("scope", c.scopeParam())
	q.Set("state", state)
	q.Set("prompt", "select_account")
	return fmt.Sprintf("%s/%s/oauth2/v2.0/authorize?%s", c.loginBaseURL, c.tenantID, q.Encode())
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// tokenError is the token endpoint's failure body.
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeCode exchanges an authorization code for a token set, using the
// registered redirect URI and the same scope set as the authorize redirect.
func (c *Client) ExchangeCode(ctx context.Context, code string) (models.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)
	return c.tokenRequest(ctx, form)
}

// Refresh exchanges a refresh token for a new token set. The provider may
// rotate the refresh token; if the returned RefreshToken is empty, the
// caller keeps the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (models.TokenSet, error) {
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("scope", c.scopeParam())

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginBaseURL, c.tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return models.TokenSet{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.TokenSet{}, fmt.Errorf("token request: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return models.TokenSet{}, fmt.Errorf("token endpoint status %d: %w", resp.StatusCode, ErrTransient)
	}
	if resp.StatusCode != http.StatusOK {
		var terr tokenError
		body, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(body, &terr); err != nil || terr.Error == "" {
			terr.Error = "unknown_error"
		}
		// The provider's classification is logged upstream; token material
		// never appears in these errors.
		return models.TokenSet{}, fmt.Errorf("token endpoint %s: %w", terr.Error, ErrInvalidGrant)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return models.TokenSet{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return models.TokenSet{}, fmt.Errorf("token response missing access token: %w", ErrInvalidGrant)
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	return models.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// Profile is the signed-in user's Graph profile.
type Profile struct {
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Email returns the profile's email, falling back to the UPN when the mail
// attribute is unset.
func (p Profile) Email() string {
	if p.Mail != "" {
		return p.Mail
	}
	return p.UserPrincipalName
}

// GetProfile fetches the signed-in user's profile from Graph.
func (c *Client) GetProfile(ctx context.Context, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.graphBaseURL+"/me", nil)
	if err != nil {
		return Profile{}, fmt.Errorf("create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("profile request: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Profile{}, fmt.Errorf("profile endpoint status %d: %w", resp.StatusCode, ErrTransient)
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("profile endpoint status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}
