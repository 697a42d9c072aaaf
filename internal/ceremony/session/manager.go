package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/keyfold/keyfold/pkg/cryptox"
)

const (
	// DefaultTTL bounds how long an idle session (and any in-flight
	// ceremony state) survives.
	DefaultTTL = 30 * time.Minute

	// RememberTTL is the extended lifetime of a "remember me" session.
	RememberTTL = 30 * 24 * time.Hour

	// CookieName carries the opaque session identifier.
	CookieName = "keyfold_session"
)

// Manager is the in-process ephemeral session store: opaque 256-bit session
// IDs mapped to ceremony state, TTL-bounded, with ID rotation on privilege
// changes.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	secure   bool

	janitorStop chan struct{}
	janitorOnce sync.Once
}

func NewManager(ttl time.Duration, secureCookies bool) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		ttl:         ttl,
		secure:      secureCookies,
		janitorStop: make(chan struct{}),
	}
}

// Ensure returns the request's session, creating one (and setting the
// cookie) if absent or expired. Access slides the expiry forward.
func (m *Manager) Ensure(w http.ResponseWriter, r *http.Request) *Session {
	if s, ok := m.Lookup(r); ok {
		return s
	}

	s := m.create()
	m.setCookie(w, s.id)
	return s
}

// Lookup returns the live session referenced by the request cookie, if any.
func (m *Manager) Lookup(r *http.Request) (*Session, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[c.Value]
	if !ok {
		return nil, false
	}

	now := time.Now()
	s.mu.Lock()
	expired := now.After(s.expiresAt)
	if !expired {
		ttl := m.ttl
		if s.remember {
			ttl = RememberTTL
		}
		s.expiresAt = now.Add(ttl)
	}
	s.mu.Unlock()

	if expired {
		delete(m.sessions, c.Value)
		return nil, false
	}
	return s, true
}

// RotateID issues the session a fresh ID. Called on every privilege change
// so a pre-authentication session ID fixed by an attacker stops referencing
// the authenticated session. The caller must re-send the cookie.
func (m *Manager) RotateID(s *Session) string {
	newID := cryptox.MustGenerateToken(cryptox.TokenSize256)

	m.mu.Lock()
	s.mu.Lock()
	delete(m.sessions, s.id)
	s.id = newID
	m.sessions[newID] = s
	s.mu.Unlock()
	m.mu.Unlock()

	return newID
}

// Remember extends the session past the idle TTL so a "remember me" login
// survives browser restarts. The cookie becomes persistent on the next
// WriteCookie.
func (m *Manager) Remember(s *Session) {
	s.mu.Lock()
	s.remember = true
	s.expiresAt = time.Now().Add(RememberTTL)
	s.mu.Unlock()
}

// WriteCookie re-sends the session cookie, e.g. after an ID rotation. For a
// remembered session the cookie is persistent rather than session-scoped.
func (m *Manager) WriteCookie(w http.ResponseWriter, s *Session) {
	c := m.cookie(s.ID())
	if s.Remembered() {
		c.MaxAge = int(RememberTTL / time.Second)
	}
	http.SetCookie(w, c)
}

// Destroy drops the session and expires its cookie.
func (m *Manager) Destroy(w http.ResponseWriter, s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) create() *Session {
	s := &Session{
		id:        cryptox.MustGenerateToken(cryptox.TokenSize256),
		expiresAt: time.Now().Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, m.cookie(id))
}

func (m *Manager) cookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// StartJanitor sweeps expired sessions periodically until Stop is called.
func (m *Manager) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.janitorStop:
				return
			}
		}
	}()
}

// Stop terminates the janitor.
func (m *Manager) Stop() {
	m.janitorOnce.Do(func() { close(m.janitorStop) })
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		s.mu.Lock()
		expired := now.After(s.expiresAt)
		s.mu.Unlock()
		if expired {
			delete(m.sessions, id)
		}
	}
}

// Len reports the number of live sessions (for readiness checks and tests).
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
