// Package session tracks collaborative sessions and the clients joined
// to them: password-gated session records with a bounded lifetime, and
// a per-session client table with presence and idle eviction.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// Retention is how long an inactive session survives before the
	// registry expires it.
	Retention = 24 * time.Hour

	// passwordBytes sets the entropy of generated session passwords.
	// Four bytes yields an 8-character hex code, short enough to read
	// aloud over a call.
	passwordBytes = 4
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrBadPassword     = errors.New("invalid session password")
)

// Session is one hosted collaboration session.
type Session struct {
	ID        string    `json:"id"`
	Password  string    `json:"password"`
	HostID    string    `json:"hostId"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStore mirrors session records to persistent storage. Optional.
type SessionStore interface {
	SaveSession(Session) error
	DeleteSession(id string) error
}

// Registry holds live sessions with a 24h expiry.
type Registry struct {
	log      *slog.Logger
	sessions *expirable.LRU[string, *Session]
	store    SessionStore
}

// NewRegistry creates a session registry. store may be nil.
func NewRegistry(logger *slog.Logger, store SessionStore) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		log:   logger.With("component", "session-registry"),
		store: store,
	}
	r.sessions = expirable.NewLRU[string, *Session](0, r.onEvict, Retention)
	return r
}

func (r *Registry) onEvict(id string, _ *Session) {
	r.log.Info("session expired", "session", id)
	if r.store != nil {
		if err := r.store.DeleteSession(id); err != nil {
			r.log.Warn("failed to remove expired session record", "session", id, "error", err)
		}
	}
}

// Create registers a new session owned by hostID and returns it with a
// freshly generated password.
func (r *Registry) Create(id, hostID string) (*Session, error) {
	if _, ok := r.sessions.Get(id); ok {
		return nil, ErrSessionExists
	}

	password, err := generatePassword()
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        id,
		Password:  password,
		HostID:    hostID,
		CreatedAt: time.Now(),
	}
	r.sessions.Add(id, s)

	if r.store != nil {
		if err := r.store.SaveSession(*s); err != nil {
			r.log.Warn("failed to persist session record", "session", id, "error", err)
		}
	}
	r.log.Info("session created", "session", id, "host", hostID)
	return s, nil
}

// Validate checks the password for a session. The comparison ignores
// case so a hand-typed lowercase code still passes.
func (r *Registry) Validate(id, password string) (*Session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !strings.EqualFold(s.Password, password) {
		return nil, ErrBadPassword
	}
	return s, nil
}

// Get looks up a session without validating its password.
func (r *Registry) Get(id string) (*Session, bool) {
	return r.sessions.Get(id)
}

// Close removes a session, ending it for all participants.
func (r *Registry) Close(id string) bool {
	_, ok := r.sessions.Get(id)
	if !ok {
		return false
	}
	r.sessions.Remove(id)
	return true
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// generatePassword returns an uppercase hex code from crypto-grade
// random bytes.
func generatePassword() (string, error) {
	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}
