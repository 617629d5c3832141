package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultSessionMaxIdle is the sliding idle lifetime of a session.
	DefaultSessionMaxIdle = 12 * time.Hour

	// SweepSafetyMargin is added to the idle lifetime before the cleanup
	// sweep considers a persisted record dead.
	SweepSafetyMargin = 1 * time.Hour

	// DefaultRefreshSkew is the window before token expiry in which a
	// refresh is triggered.
	DefaultRefreshSkew = 300 * time.Second
)

// DefaultScopes are the Graph scopes requested at authorization time. The
// same set is used at every refresh.
var DefaultScopes = []string{"User.Read", "Files.ReadWrite.All", "Sites.ReadWrite.All"}

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	ListenAddr string

	// OAuth client registration.
	ClientID     string
	TenantID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// AllowedDomains restricts sign-in to emails under these domains.
	// Empty means any domain is accepted.
	AllowedDomains []string

	// SharePoint integration (activity log + privileged directory list).
	SPSiteURL     string
	SPLogListID   string
	SPAdminListID string

	// Session storage.
	StorageDir     string
	SessionBackend string // "file" or "sqlite"
	DatabasePath   string
	SessionMaxIdle time.Duration

	RefreshSkew time.Duration

	// SecureCookies marks the session cookie transport-secure. Disabled
	// only in dev mode (plain-HTTP localhost).
	SecureCookies bool

	LogPath string
}

// Load reads configuration from the environment (and .env if present) and
// validates it.
func Load() (*Config, error) {
	// Missing .env is fine; real env vars still apply.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		ClientID:       firstEnv("CLIENT_ID", "AZURE_CLIENT_ID"),
		TenantID:       firstEnv("TENANT_ID", "AZURE_TENANT_ID"),
		ClientSecret:   firstEnv("O365_CLIENT_SECRET", "AZURE_CLIENT_SECRET"),
		RedirectURI:    envOr("REDIRECT_URI", "http://localhost:8080/auth/redirect"),
		Scopes:         splitList(os.Getenv("OAUTH_SCOPES"), " "),
		AllowedDomains: splitList(os.Getenv("ALLOWED_EMAIL_DOMAINS"), ","),
		SPSiteURL:      os.Getenv("SP_SITE_URL"),
		SPLogListID:    os.Getenv("SP_LOG_LIST_ID"),
		SPAdminListID:  os.Getenv("SP_ADMIN_LIST_ID"),
		StorageDir:     envOr("SESSION_STORAGE_DIR", "data"),
		SessionBackend: envOr("SESSION_BACKEND", "file"),
		DatabasePath:   envOr("SESSION_DB_PATH", "data/sessions.db"),
		SessionMaxIdle: DefaultSessionMaxIdle,
		RefreshSkew:    DefaultRefreshSkew,
		SecureCookies:  os.Getenv("DEV_MODE") == "",
		LogPath:        os.Getenv("LOG_PATH"),
	}

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), DefaultScopes...)
	}

	if hours := os.Getenv("SESSION_MAX_IDLE_HOURS"); hours != "" {
		h, err := strconv.Atoi(hours)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("invalid SESSION_MAX_IDLE_HOURS %q", hours)
		}
		cfg.SessionMaxIdle = time.Duration(h) * time.Hour
	}

	if secs := os.Getenv("TOKEN_REFRESH_SKEW_SECONDS"); secs != "" {
		s, err := strconv.Atoi(secs)
		if err != nil || s < 0 {
			return nil, fmt.Errorf("invalid TOKEN_REFRESH_SKEW_SECONDS %q", secs)
		}
		cfg.RefreshSkew = time.Duration(s) * time.Second
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SweepMaxAge is the age past which the cleanup sweep deletes a session
// record: the sliding idle lifetime plus a fixed safety margin.
func (c *Config) SweepMaxAge() time.Duration {
	return c.SessionMaxIdle + SweepSafetyMargin
}

func (c *Config) validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "CLIENT_ID or AZURE_CLIENT_ID")
	}
	if c.TenantID == "" {
		missing = append(missing, "TENANT_ID or AZURE_TENANT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "O365_CLIENT_SECRET or AZURE_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	// offline_access is implied by the authorization-code grant and injected
	// by the identity client exactly once. Configuring it here would make
	// the provider see it twice, which some tenants reject.
	for _, scope := range c.Scopes {
		if strings.EqualFold(scope, "offline_access") {
			return fmt.Errorf("OAUTH_SCOPES must not include offline_access; it is added automatically")
		}
	}

	if c.SessionBackend != "file" && c.SessionBackend != "sqlite" {
		return fmt.Errorf("SESSION_BACKEND must be \"file\" or \"sqlite\", got %q", c.SessionBackend)
	}

	return nil
}

// DomainAllowed reports whether the email's domain is on the allowlist.
// An empty allowlist accepts any domain.
func (c *Config) DomainAllowed(email string) bool {
	if len(c.AllowedDomains) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, allowed := range c.AllowedDomains {
		if domain == strings.ToLower(strings.TrimSpace(allowed)) {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw, sep string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
