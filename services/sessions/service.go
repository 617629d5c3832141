package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"darkreel/models"
)

// Service is the default Store: an in-process map persisted to a JSON file.
// Records survive restarts; the file is rewritten atomically on every
// mutation.
type Service struct {
	mu       sync.RWMutex
	path     string
	sessions map[string]models.Session
}

// NewService creates a file-backed session store. storageDir is the
// directory where sessions.json will be kept; if empty, records are held in
// memory only.
func NewService(storageDir string) (*Service, error) {
	svc := &Service{
		sessions: make(map[string]models.Session),
	}

	if strings.TrimSpace(storageDir) != "" {
		if err := os.MkdirAll(storageDir, 0o755); err != nil {
			return nil, fmt.Errorf("create sessions dir: %w", err)
		}
		svc.path = filepath.Join(storageDir, "sessions.json")

		if err := svc.load(); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// Create allocates a new empty session record.
func (s *Service) Create() (models.Session, error) {
	id, err := NewID()
	if err != nil {
		return models.Session{}, fmt.Errorf("generate session id: %w", err)
	}

	now := time.Now().UTC()
	session := models.Session{
		ID:            id,
		CreatedAt:     now,
		LastTouchedAt: now,
	}

	s.mu.Lock()
	s.sessions[id] = session
	if err := s.saveLocked(); err != nil {
		delete(s.sessions, id)
		s.mu.Unlock()
		return models.Session{}, err
	}
	s.mu.Unlock()

	return session, nil
}

// Load returns the record for the given id.
func (s *Service) Load(id string) (models.Session, error) {
	if id == "" {
		return models.Session{}, ErrInvalidID
	}

	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// Save replaces the stored record, last writer wins.
func (s *Service) Save(session models.Session) error {
	if session.ID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[session.ID] = session
	return s.saveLocked()
}

// Touch extends the sliding expiry by stamping LastTouchedAt.
func (s *Service) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.LastTouchedAt = time.Now().UTC()
	s.sessions[id] = session
	return s.saveLocked()
}

// Delete removes the record for the given id.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return s.saveLocked()
}

// Sweep deletes records idle longer than maxAge. A record touched after the
// cutoff was computed but before deletion may be lost; that only logs the
// user out early, it never exposes another user's record.
func (s *Service) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, session := range s.sessions {
		if session.LastTouchedAt.Before(cutoff) {
			delete(s.sessions, id)
			count++
		}
	}
	if count > 0 {
		if err := s.saveLocked(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Count returns the number of stored sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// load reads sessions from the JSON file on disk.
func (s *Service) load() error {
	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open sessions file: %w", err)
	}
	defer file.Close()

	var stored []models.Session
	if err := json.NewDecoder(file).Decode(&stored); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}

	s.sessions = make(map[string]models.Session, len(stored))
	for _, session := range stored {
		if strings.TrimSpace(session.ID) == "" {
			continue
		}
		s.sessions[session.ID] = session
	}
	return nil
}

// saveLocked writes sessions to the JSON file. Must be called with mu held.
func (s *Service) saveLocked() error {
	if s.path == "" {
		return nil
	}

	sessions := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}

	// Write to a temp file first, then rename (atomic replace).
	tmp := s.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create sessions temp file: %w", err)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sessions); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode sessions: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync sessions: %w", err)
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close sessions temp file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace sessions file: %w", err)
	}

	return nil
}
