package sharepoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestService points a service at an httptest Graph stub.
func newTestService(t *testing.T, handler http.Handler) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc := NewService("https://contoso.sharepoint.com/sites/basecamp", "activity-list", "admin-list")
	svc.graphBaseURL = srv.URL
	return svc
}

func graphStub(t *testing.T, adminEmails []string, recorded *map[string]any) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sites/contoso.sharepoint.com:/sites/basecamp", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"site-123"}`))
	})
	mux.HandleFunc("/sites/site-123/lists/activity-list/items", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode list item body: %v", err)
		}
		if recorded != nil {
			*recorded = body.Fields
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/sites/site-123/lists/admin-list/items", func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			Fields map[string]string `json:"fields"`
		}
		var out struct {
			Value []entry `json:"value"`
		}
		for _, email := range adminEmails {
			out.Value = append(out.Value, entry{Fields: map[string]string{"UserEmail": email}})
		}
		json.NewEncoder(w).Encode(out)
	})
	return mux
}

func TestLogLoginActivity(t *testing.T) {
	var recorded map[string]any
	svc := newTestService(t, graphStub(t, nil, &recorded))

	err := svc.LogLoginActivity(context.Background(), "at", "alice@example.com", "Alice", "Admin")
	if err != nil {
		t.Fatalf("LogLoginActivity failed: %v", err)
	}

	if recorded["UserEmail"] != "alice@example.com" {
		t.Errorf("expected UserEmail recorded, got %v", recorded["UserEmail"])
	}
	if recorded["ActivityType"] != "Login" {
		t.Errorf("expected ActivityType Login, got %v", recorded["ActivityType"])
	}
	if !strings.Contains(recorded["Title"].(string), "Alice") {
		t.Errorf("expected Title to name the user, got %v", recorded["Title"])
	}
	if id, ok := recorded["CorrelationId"].(string); !ok || id == "" {
		t.Error("expected a correlation id on the entry")
	}
}

func TestIsPrivileged_Member(t *testing.T) {
	svc := newTestService(t, graphStub(t, []string{"boss@example.com", "Alice@Example.com"}, nil))

	privileged, err := svc.IsPrivileged(context.Background(), "at", "alice@example.com")
	if err != nil {
		t.Fatalf("IsPrivileged failed: %v", err)
	}
	if !privileged {
		t.Error("expected case-insensitive admin match")
	}
}

func TestIsPrivileged_NonMember(t *testing.T) {
	svc := newTestService(t, graphStub(t, []string{"boss@example.com"}, nil))

	privileged, err := svc.IsPrivileged(context.Background(), "at", "alice@example.com")
	if err != nil {
		t.Fatalf("IsPrivileged failed: %v", err)
	}
	if privileged {
		t.Error("expected non-member to be unprivileged")
	}
}

func TestIsPrivileged_Unconfigured(t *testing.T) {
	svc := NewService("", "", "")

	privileged, err := svc.IsPrivileged(context.Background(), "at", "alice@example.com")
	if err != nil {
		t.Fatalf("IsPrivileged failed: %v", err)
	}
	if privileged {
		t.Error("unconfigured directory must default to unprivileged")
	}
}

func TestSiteIDCached(t *testing.T) {
	lookups := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/sites/contoso.sharepoint.com:/sites/basecamp", func(w http.ResponseWriter, r *http.Request) {
		lookups++
		w.Write([]byte(`{"id":"site-123"}`))
	})
	mux.HandleFunc("/sites/site-123/lists/activity-list/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	svc := newTestService(t, mux)

	for i := 0; i < 3; i++ {
		if err := svc.AddListItem(context.Background(), "at", "activity-list", map[string]any{"Title": "x"}); err != nil {
			t.Fatalf("AddListItem failed: %v", err)
		}
	}
	if lookups != 1 {
		t.Errorf("expected site id resolved once, got %d lookups", lookups)
	}
}
