// Package authstore validates operator/viewer credentials and mints
// opaque, TTL-bound session tokens. Sessions live only in memory, so
// the store is a single map guarded by a mutex.
package authstore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/frostwatch/syncplay/internal/metrics"
	"github.com/frostwatch/syncplay/internal/models"
)

// Session is a minted credential: a role and display name bound to an
// opaque token until expiresAt.
type Session struct {
	Token     string
	Role      models.Role
	Name      string
	ExpiresAt time.Time
}

// Store validates passwords, mints sessions, and sweeps expired ones.
type Store struct {
	operatorPassword string
	viewerPassword   string
	ttl              time.Duration

	mu       sync.RWMutex
	sessions map[string]Session
}

// New creates a Store. Passwords are compared in constant time; ttl is
// applied to every session minted via CreateSession.
func New(operatorPassword, viewerPassword string, ttl time.Duration) *Store {
	return &Store{
		operatorPassword: operatorPassword,
		viewerPassword:   viewerPassword,
		ttl:              ttl,
		sessions:         make(map[string]Session),
	}
}

// ValidatePassword checks pw against the configured operator and viewer
// secrets using a constant-time digest comparison (so the result does
// not leak password length or prefix via timing). Returns the matched
// role, or false if neither matches.
func (s *Store) ValidatePassword(pw string) (models.Role, bool) {
	if constantTimeEqual(pw, s.operatorPassword) {
		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		return models.RoleOperator, true
	}
	if constantTimeEqual(pw, s.viewerPassword) {
		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		return models.RoleViewer, true
	}
	metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
	return "", false
}

func constantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// CreateSession mints a new ≥256-bit hex token for role/name and stores
// it with the configured TTL.
func (s *Store) CreateSession(role models.Role, name string) (Session, error) {
	tok, err := newToken()
	if err != nil {
		return Session{}, err
	}
	sess := Session{
		Token:     tok,
		Role:      role,
		Name:      name,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Lock()
	s.sessions[tok] = sess
	s.mu.Unlock()
	return sess, nil
}

func newToken() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ValidateSession returns the session for token if it exists and has
// not expired. An expired entry found during validation is removed
// immediately, so lazy expiry never returns a stale session as valid
// and validation always wins the race against a concurrent sweep.
func (s *Store) ValidateSession(token string) (Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if !sess.ExpiresAt.After(time.Now()) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return Session{}, false
	}
	return sess, true
}

// InvalidateSession removes a token immediately (operator logout).
func (s *Store) InvalidateSession(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Sweep removes all expired sessions and returns how many were
// removed. Safe to run concurrently with ValidateSession.
func (s *Store) Sweep() int {
	now := time.Now()
	removed := 0
	s.mu.Lock()
	for tok, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, tok)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// Count returns the number of live (not-yet-swept) sessions, expired
// or not, for the logging rollup.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// RunSweeper runs Sweep on interval until done is closed. Intended to
// be launched as a goroutine from the composition root.
func RunSweeper(done <-chan struct{}, interval time.Duration, store *Store) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				slog.Debug("session sweep", "component", "auth", "removed", n)
				metrics.SessionsSweptTotal.Add(float64(n))
			}
		}
	}
}
