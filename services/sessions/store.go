package sessions

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"darkreel/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidID       = errors.New("invalid session id")
)

// IDLength is the number of random bytes in a session identifier.
const IDLength = 32

// Store is the server-side session persistence contract. Implementations
// must serialize writes per session and must never return partial data for
// an unknown or malformed id.
//
// Stores are single-node: records are not replicated between instances, so
// multi-instance deployments need sticky routing or a shared backend.
type Store interface {
	// Create allocates a new empty record with a fresh random id.
	Create() (models.Session, error)

	// Load returns the record for id, or ErrSessionNotFound.
	Load(id string) (models.Session, error)

	// Save persists the record, last writer wins. Saving a record that no
	// longer exists returns ErrSessionNotFound rather than resurrecting it.
	Save(session models.Session) error

	// Touch extends the sliding expiry without rewriting the record.
	Touch(id string) error

	// Delete removes the record.
	Delete(id string) error

	// Sweep deletes records whose last touch is older than now-maxAge and
	// returns how many were deleted. Safe to run alongside live traffic.
	Sweep(now time.Time, maxAge time.Duration) (int, error)
}

// NewID generates a cryptographically random session identifier.
func NewID() (string, error) {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
