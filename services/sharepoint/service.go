// Package sharepoint reads and writes SharePoint lists through the Graph
// API using the signed-in user's bearer token. It backs the login activity
// log and the privileged-user directory lookup.
package sharepoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// Service accesses one SharePoint site's lists.
type Service struct {
	httpClient     *http.Client
	graphBaseURL   string
	siteURL        string
	activityListID string
	adminListID    string

	mu     sync.Mutex
	siteID string // cached after first lookup
}

// NewService creates a SharePoint service for the given site. Either list id
// may be empty; the corresponding operation then reports unconfigured.
func NewService(siteURL, activityListID, adminListID string) *Service {
	return &Service{
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		graphBaseURL:   defaultGraphBaseURL,
		siteURL:        siteURL,
		activityListID: activityListID,
		adminListID:    adminListID,
	}
}

// ActivityLogConfigured reports whether login activity logging is set up.
func (s *Service) ActivityLogConfigured() bool {
	return s.siteURL != "" && s.activityListID != ""
}

// DirectoryConfigured reports whether the privileged directory list is set up.
func (s *Service) DirectoryConfigured() bool {
	return s.siteURL != "" && s.adminListID != ""
}

// resolveSiteID translates the site URL into a Graph site id, caching the
// result for the life of the process.
func (s *Service) resolveSiteID(ctx context.Context, accessToken string) (string, error) {
	s.mu.Lock()
	cached := s.siteID
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	parsed, err := url.Parse(s.siteURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid site url %q", s.siteURL)
	}

	endpoint := fmt.Sprintf("%s/sites/%s:%s", s.graphBaseURL, parsed.Host, parsed.Path)
	var site struct {
		ID string `json:"id"`
	}
	if err := s.getJSON(ctx, accessToken, endpoint, &site); err != nil {
		return "", fmt.Errorf("resolve site id: %w", err)
	}
	if site.ID == "" {
		return "", fmt.Errorf("site lookup returned no id")
	}

	s.mu.Lock()
	s.siteID = site.ID
	s.mu.Unlock()
	return site.ID, nil
}

// AddListItem appends an item to a list. fields maps list column names to
// values.
func (s *Service) AddListItem(ctx context.Context, accessToken, listID string, fields map[string]any) error {
	siteID, err := s.resolveSiteID(ctx, accessToken)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return fmt.Errorf("marshal list item: %w", err)
	}

	endpoint := fmt.Sprintf("%s/sites/%s/lists/%s/items", s.graphBaseURL, siteID, listID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create list item request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("add list item: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("add list item failed: %s - %s", resp.Status, string(respBody))
	}
	return nil
}

// LogLoginActivity records a login event in the activity list. The entry
// carries a correlation id so operational logs can be matched to list rows.
func (s *Service) LogLoginActivity(ctx context.Context, accessToken, email, name, role string) error {
	if !s.ActivityLogConfigured() {
		return fmt.Errorf("activity logging not configured")
	}

	return s.AddListItem(ctx, accessToken, s.activityListID, map[string]any{
		"Title":          fmt.Sprintf("%s - Login", name),
		"UserEmail":      email,
		"UserName":       name,
		"UserRole":       role,
		"ActivityType":   "Login",
		"Application":    "Horror Movie Calendar",
		"LoginTimestamp": time.Now().UTC().Format(time.RFC3339),
		"CorrelationId":  uuid.NewString(),
	})
}

// IsPrivileged reports whether the email appears in the admins list.
// Matching is case-insensitive on the UserEmail column.
func (s *Service) IsPrivileged(ctx context.Context, accessToken, email string) (bool, error) {
	if !s.DirectoryConfigured() {
		return false, nil
	}

	siteID, err := s.resolveSiteID(ctx, accessToken)
	if err != nil {
		return false, err
	}

	endpoint := fmt.Sprintf("%s/sites/%s/lists/%s/items?expand=fields(select=UserEmail)",
		s.graphBaseURL, siteID, s.adminListID)

	var items struct {
		Value []struct {
			Fields struct {
				UserEmail string `json:"UserEmail"`
			} `json:"fields"`
		} `json:"value"`
	}
	if err := s.getJSON(ctx, accessToken, endpoint, &items); err != nil {
		return false, fmt.Errorf("directory lookup: %w", err)
	}

	for _, item := range items.Value {
		if strings.EqualFold(item.Fields.UserEmail, email) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) getJSON(ctx context.Context, accessToken, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph request failed: %s - %s", resp.Status, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
