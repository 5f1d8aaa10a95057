// Package token issues short-lived write tokens so the engine can tell
// its own disk writes apart from genuinely external changes. A write
// goes out under a token; when the observer later reports the mutation,
// a successful token match proves the change was self-inflicted.
package token

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a token stays matchable after generation.
const DefaultTTL = 5 * time.Second

// mtimeSlack absorbs coarse filesystem timestamp granularity: some
// filesystems round mtimes down to whole seconds, which would otherwise
// place a fresh write "before" the token's creation.
const mtimeSlack = 2 * time.Second

// Token marks one expected disk mutation for a path.
type Token struct {
	ID               string
	Path             string
	CreatedAt        time.Time
	ExpectedMtimeMin time.Time
}

type liveToken struct {
	token Token
	timer *time.Timer
}

// Manager owns the token table. Construct one per sync session and pass
// it explicitly; it is never a package-level singleton.
type Manager struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	tokens   map[string]*liveToken
	disposed bool
}

// NewManager creates a manager with the given TTL. A non-positive TTL
// selects DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]*liveToken),
	}
}

// Generate issues a token for path, silently replacing any live token
// for the same path. The caller performs the actual write afterwards;
// expiry is scheduled regardless of whether the token is ever matched.
func (m *Manager) Generate(path string) Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.tokens[path]; ok {
		prior.timer.Stop()
		delete(m.tokens, path)
	}

	now := m.now()
	tok := Token{
		ID:               uuid.NewString(),
		Path:             path,
		CreatedAt:        now,
		ExpectedMtimeMin: now,
	}

	if m.disposed {
		// Disposed manager hands out tokens that are already dead.
		return tok
	}

	lt := &liveToken{token: tok}
	lt.timer = time.AfterFunc(m.ttl, func() {
		m.expire(path, tok.ID)
	})
	m.tokens[path] = lt

	return tok
}

// Match consumes the live token for path if observedMtime is at or
// after the token's expected minimum (with slack for coarse filesystem
// timestamps) and the token has not outlived its TTL. A matched token
// is removed, so the same disk event can never match twice.
func (m *Manager) Match(path string, observedMtime time.Time) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lt, ok := m.tokens[path]
	if !ok {
		return Token{}, false
	}

	if m.now().Sub(lt.token.CreatedAt) > m.ttl {
		lt.timer.Stop()
		delete(m.tokens, path)

		return Token{}, false
	}

	if observedMtime.Before(lt.token.ExpectedMtimeMin.Add(-mtimeSlack)) {
		// The observed mutation predates our write; someone else's.
		return Token{}, false
	}

	lt.timer.Stop()
	delete(m.tokens, path)

	return lt.token, true
}

// Clear cancels the live token for path, if any.
func (m *Manager) Clear(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lt, ok := m.tokens[path]; ok {
		lt.timer.Stop()
		delete(m.tokens, path)
	}
}

// Dispose cancels all timers and drops all tokens. Idempotent; tokens
// generated afterwards are never matchable.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, lt := range m.tokens {
		lt.timer.Stop()
		delete(m.tokens, path)
	}

	m.disposed = true
}

// Len reports the number of live tokens.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.tokens)
}

// expire removes a token whose TTL lapsed. The ID guard keeps a stale
// timer from clearing a replacement token issued for the same path.
func (m *Manager) expire(path, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lt, ok := m.tokens[path]; ok && lt.token.ID == id {
		delete(m.tokens, path)
	}
}
