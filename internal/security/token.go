package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"
	"time"
)

const (
	maxFailedAttempts = 5
	lockoutDuration   = 5 * time.Minute
)

// TokenGuard checks bearer tokens against the configured dashboard token and
// locks a client out after repeated failures.
type TokenGuard struct {
	token func() string

	mu       sync.Mutex
	failures map[string]*failureState
	now      func() time.Time
}

type failureState struct {
	count       int
	lockedUntil time.Time
}

// NewTokenGuard reads the expected token through token on every check so a
// reloaded config takes effect. An empty token disables auth.
func NewTokenGuard(token func() string) *TokenGuard {
	return &TokenGuard{
		token:    token,
		failures: map[string]*failureState{},
		now:      time.Now,
	}
}

// Enabled reports whether a token is configured.
func (g *TokenGuard) Enabled() bool { return g.token() != "" }

// Check validates presented for the client key. When the client is locked
// out, retryAfter is how long it has to wait.
func (g *TokenGuard) Check(key, presented string) (ok bool, retryAfter time.Duration) {
	expected := g.token()
	if expected == "" {
		return true, 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.failures[key]
	if st != nil && now.Before(st.lockedUntil) {
		return false, st.lockedUntil.Sub(now)
	}

	if SecureEquals(presented, expected) {
		delete(g.failures, key)
		return true, 0
	}

	if st == nil {
		st = &failureState{}
		g.failures[key] = st
	}
	st.count++
	if st.count >= maxFailedAttempts {
		st.count = 0
		st.lockedUntil = now.Add(lockoutDuration)
		return false, lockoutDuration
	}
	return false, 0
}

// SecureEquals compares two secrets in constant time regardless of length.
func SecureEquals(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
