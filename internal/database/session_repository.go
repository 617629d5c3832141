package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"darkreel/models"
	"darkreel/services/sessions"
)

// SessionRepository is the SQLite-backed sessions.Store. Writes go through
// single-row statements, so per-session serialization comes from the
// database itself.
type SessionRepository struct {
	conn *sql.DB
}

// NewSessionRepository creates a session repository over the given connection.
func NewSessionRepository(conn *sql.DB) *SessionRepository {
	return &SessionRepository{conn: conn}
}

var _ sessions.Store = (*SessionRepository)(nil)

// Create allocates a new empty session record.
func (r *SessionRepository) Create() (models.Session, error) {
	id, err := sessions.NewID()
	if err != nil {
		return models.Session{}, fmt.Errorf("generate session id: %w", err)
	}

	now := time.Now().UTC()
	session := models.Session{
		ID:            id,
		CreatedAt:     now,
		LastTouchedAt: now,
	}

	_, err = r.conn.Exec(
		`INSERT INTO sessions (id, created_at, last_touched_at) VALUES (?, ?, ?)`,
		session.ID, session.CreatedAt, session.LastTouchedAt,
	)
	if err != nil {
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// Load returns the record for the given id.
func (r *SessionRepository) Load(id string) (models.Session, error) {
	if id == "" {
		return models.Session{}, sessions.ErrInvalidID
	}

	row := r.conn.QueryRow(
		`SELECT id, created_at, last_touched_at, oauth_state, next_url,
		        display_name, email, domain_ok,
		        access_token, refresh_token, token_expires_at, is_privileged
		 FROM sessions WHERE id = ?`, id)

	var (
		session      models.Session
		accessToken  sql.NullString
		refreshToken sql.NullString
		expiresAt    sql.NullTime
	)
	err := row.Scan(
		&session.ID, &session.CreatedAt, &session.LastTouchedAt,
		&session.OAuthState, &session.NextURL,
		&session.Identity.DisplayName, &session.Identity.Email, &session.Identity.DomainOK,
		&accessToken, &refreshToken, &expiresAt, &session.IsPrivileged,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, sessions.ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}

	if accessToken.Valid {
		session.TokenSet = &models.TokenSet{
			AccessToken:  accessToken.String,
			RefreshToken: refreshToken.String,
			ExpiresAt:    expiresAt.Time.UTC(),
		}
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastTouchedAt = session.LastTouchedAt.UTC()
	return session, nil
}

// Save replaces the stored record, last writer wins.
func (r *SessionRepository) Save(session models.Session) error {
	if session.ID == "" {
		return sessions.ErrInvalidID
	}

	var (
		accessToken  sql.NullString
		refreshToken sql.NullString
		expiresAt    sql.NullTime
	)
	if session.TokenSet != nil {
		accessToken = sql.NullString{String: session.TokenSet.AccessToken, Valid: true}
		refreshToken = sql.NullString{String: session.TokenSet.RefreshToken, Valid: true}
		expiresAt = sql.NullTime{Time: session.TokenSet.ExpiresAt.UTC(), Valid: true}
	}

	res, err := r.conn.Exec(
		`UPDATE sessions
		 SET last_touched_at = ?, oauth_state = ?, next_url = ?,
		     display_name = ?, email = ?, domain_ok = ?,
		     access_token = ?, refresh_token = ?, token_expires_at = ?, is_privileged = ?
		 WHERE id = ?`,
		session.LastTouchedAt, session.OAuthState, session.NextURL,
		session.Identity.DisplayName, session.Identity.Email, session.Identity.DomainOK,
		accessToken, refreshToken, expiresAt, session.IsPrivileged,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

// Touch extends the sliding expiry by stamping last_touched_at.
func (r *SessionRepository) Touch(id string) error {
	res, err := r.conn.Exec(
		`UPDATE sessions SET last_touched_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if affected == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

// Delete removes the record for the given id.
func (r *SessionRepository) Delete(id string) error {
	res, err := r.conn.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if affected == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

// Sweep deletes records whose last touch is older than now-maxAge.
func (r *SessionRepository) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.UTC().Add(-maxAge)
	res, err := r.conn.Exec(`DELETE FROM sessions WHERE last_touched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return int(affected), nil
}
