// Package auth owns the authenticated identity and bearer token for the
// backend. It emits events on identity changes so the composition root can
// invalidate per-user persisted state without a dependency cycle.
package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryBuffer is subtracted from the token expiry when deciding usability.
// It absorbs clock skew and in-flight request latency.
const ExpiryBuffer = 30 * time.Second

// Identity describes the signed-in user.
type Identity struct {
	ID       string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// TokenResponse is the backend's login/register/refresh response.
type TokenResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int64    `json:"expires_in"` // seconds
	User        Identity `json:"user"`
}

// EventKind classifies session events.
type EventKind string

const (
	// EventIdentityChanged fires when a login replaces a different signed-in
	// identity. Subscribers must purge the previous identity's persisted
	// state before the new identity's state is read.
	EventIdentityChanged EventKind = "identity_changed"
	EventLogin           EventKind = "login"
	EventLogout          EventKind = "logout"
)

// Event is delivered synchronously to subscribers, outside the session lock.
type Event struct {
	Kind       EventKind
	PreviousID string // set for identity_changed
	Identity   Identity
}

// Record is the serializable auth state for durable storage.
type Record struct {
	IsAuthenticated bool      `json:"isAuthenticated"`
	Identity        Identity  `json:"identity"`
	Token           string    `json:"token"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Session holds the authenticated identity, bearer token and expiry.
// Token and expiry are either both set or both zero.
type Session struct {
	mu            sync.Mutex
	authenticated bool
	identity      Identity
	token         string
	expiresAt     time.Time

	now       func() time.Time
	listeners []func(Event)
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source. Used by tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Session) { s.now = fn }
}

// NewSession creates a signed-out session.
func NewSession(opts ...Option) *Session {
	s := &Session{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers an event listener.
func (s *Session) Subscribe(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Login adopts the identity and token from a backend token response. When a
// different identity was already signed in, an identity_changed event fires
// before the new identity is adopted, so subscribers purge the previous
// identity's persisted conversations first.
func (s *Session) Login(tr TokenResponse) {
	identity := tr.User
	expiresAt := s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	// The backend includes expires_in; the token's own exp claim is the
	// fallback, decoded without verification (the client has no secret).
	if tr.ExpiresIn <= 0 {
		if exp, ok := tokenExpiry(tr.AccessToken); ok {
			expiresAt = exp
		}
	}
	if identity.ID == "" {
		if sub, ok := tokenSubject(tr.AccessToken); ok {
			identity.ID = sub
		}
	}

	s.mu.Lock()
	previous := s.identity
	wasAuthenticated := s.authenticated
	s.mu.Unlock()

	if wasAuthenticated && previous.ID != identity.ID {
		s.emit(Event{Kind: EventIdentityChanged, PreviousID: previous.ID, Identity: identity})
	}

	s.mu.Lock()
	s.authenticated = true
	s.identity = identity
	s.token = tr.AccessToken
	s.expiresAt = expiresAt
	s.mu.Unlock()

	s.emit(Event{Kind: EventLogin, Identity: identity})
}

// Logout clears identity, token and expiry and always emits a logout event,
// which subscribers use to purge conversation persistence unconditionally.
func (s *Session) Logout() {
	s.mu.Lock()
	identity := s.identity
	s.authenticated = false
	s.identity = Identity{}
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	s.emit(Event{Kind: EventLogout, Identity: identity})
}

// IsTokenExpired reports true when no token is held or when the token is
// within ExpiryBuffer of its expiry.
func (s *Session) IsTokenExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return true
	}
	return !s.now().Before(s.expiresAt.Add(-ExpiryBuffer))
}

// AuthHeader returns the bearer header map, or nil when the session is not
// usable. Callers must treat nil as unauthenticated, not retry blindly.
func (s *Session) AuthHeader() map[string]string {
	s.mu.Lock()
	authenticated := s.authenticated
	token := s.token
	s.mu.Unlock()

	if !authenticated || s.IsTokenExpired() {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// Initialize eagerly clears auth state when a restored token is already past
// its absolute expiry. No safety buffer applies at this boundary: a token
// that is strictly still valid must survive a restart.
func (s *Session) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return
	}
	if !s.now().Before(s.expiresAt) {
		s.authenticated = false
		s.identity = Identity{}
		s.token = ""
		s.expiresAt = time.Time{}
	}
}

// IsAuthenticated reports whether an identity is signed in.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Identity returns the signed-in identity, or the zero value.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// UserID returns the signed-in identity id, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return ""
	}
	return s.identity.ID
}

// Snapshot returns the serializable auth record.
func (s *Session) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		IsAuthenticated: s.authenticated,
		Identity:        s.identity,
		Token:           s.token,
		ExpiresAt:       s.expiresAt,
	}
}

// Restore rehydrates the session from a persisted record, re-validating the
// absolute expiry exactly as Initialize does. Expired records leave the
// session signed out.
func (s *Session) Restore(rec Record) {
	s.mu.Lock()
	s.authenticated = rec.IsAuthenticated
	s.identity = rec.Identity
	s.token = rec.Token
	s.expiresAt = rec.ExpiresAt
	s.mu.Unlock()

	s.Initialize()
}

func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func tokenSubject(token string) (string, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}
