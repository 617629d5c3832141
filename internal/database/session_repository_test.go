package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"darkreel/models"
	"darkreel/services/sessions"
)

// setupTestSessionRepo creates a test database and session repository.
func setupTestSessionRepo(t *testing.T) *SessionRepository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(Config{DatabasePath: dbPath})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewSessionRepository(db.Connection())
}

func TestCreate_InsertsEmptyRecord(t *testing.T) {
	repo := setupTestSessionRepo(t)

	session, err := repo.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected non-empty id")
	}
	if session.TokenSet != nil {
		t.Error("expected new session to have no token set")
	}

	loaded, err := repo.Load(session.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.TokenSet != nil {
		t.Error("expected loaded session to have no token set")
	}
}

func TestSaveLoad_RoundTripWithTokenSet(t *testing.T) {
	repo := setupTestSessionRepo(t)

	session, err := repo.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	session.OAuthState = "state"
	session.NextURL = "/calendar"
	session.Identity = models.Identity{DisplayName: "Alice", Email: "alice@example.com", DomainOK: true}
	session.TokenSet = &models.TokenSet{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().UTC().Add(time.Hour).Truncate(time.Second),
	}
	session.IsPrivileged = true
	if err := repo.Save(session); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := repo.Load(session.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.OAuthState != "state" || loaded.NextURL != "/calendar" {
		t.Errorf("expected flow fields to round-trip, got %+v", loaded)
	}
	if loaded.Identity != session.Identity {
		t.Errorf("expected identity %+v, got %+v", session.Identity, loaded.Identity)
	}
	if loaded.TokenSet == nil {
		t.Fatal("expected token set")
	}
	if loaded.TokenSet.AccessToken != "at" || loaded.TokenSet.RefreshToken != "rt" {
		t.Errorf("expected tokens to round-trip, got %+v", loaded.TokenSet)
	}
	if !loaded.TokenSet.ExpiresAt.Equal(session.TokenSet.ExpiresAt) {
		t.Errorf("expected expiry %v, got %v", session.TokenSet.ExpiresAt, loaded.TokenSet.ExpiresAt)
	}
	if !loaded.IsPrivileged {
		t.Error("expected privileged flag to round-trip")
	}
}

func TestSave_ClearedTokenSetPersists(t *testing.T) {
	repo := setupTestSessionRepo(t)

	session, _ := repo.Create()
	session.TokenSet = &models.TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().UTC()}
	if err := repo.Save(session); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	session.TokenSet = nil
	if err := repo.Save(session); err != nil {
		t.Fatalf("Save with cleared token set failed: %v", err)
	}

	loaded, err := repo.Load(session.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.TokenSet != nil {
		t.Error("expected token set to stay cleared")
	}
}

func TestLoad_UnknownID(t *testing.T) {
	repo := setupTestSessionRepo(t)

	if _, err := repo.Load("missing"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSave_MissingRecord(t *testing.T) {
	repo := setupTestSessionRepo(t)

	err := repo.Save(models.Session{ID: "missing", LastTouchedAt: time.Now().UTC()})
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTouch_AdvancesLastTouched(t *testing.T) {
	repo := setupTestSessionRepo(t)

	session, _ := repo.Create()
	time.Sleep(5 * time.Millisecond)
	if err := repo.Touch(session.ID); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	loaded, err := repo.Load(session.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.LastTouchedAt.After(session.LastTouchedAt) {
		t.Error("expected LastTouchedAt to advance")
	}
}

func TestDelete_RemovesRecord(t *testing.T) {
	repo := setupTestSessionRepo(t)

	session, _ := repo.Create()
	if err := repo.Delete(session.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.Load(session.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := repo.Delete(session.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on double delete, got %v", err)
	}
}

func TestSweep_DeletesStaleOnly(t *testing.T) {
	repo := setupTestSessionRepo(t)
	now := time.Now().UTC()

	stale, _ := repo.Create()
	stale.LastTouchedAt = now.Add(-10 * time.Hour)
	if err := repo.Save(stale); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	fresh, _ := repo.Create()
	fresh.LastTouchedAt = now.Add(-8 * time.Hour)
	if err := repo.Save(fresh); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	deleted, err := repo.Sweep(now, 9*time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
	if _, err := repo.Load(fresh.ID); err != nil {
		t.Errorf("expected fresh session retained, got %v", err)
	}

	// Second sweep with no intervening activity is a no-op.
	deleted, err = repo.Sweep(now, 9*time.Hour)
	if err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected idempotent sweep, got %d", deleted)
	}
}
