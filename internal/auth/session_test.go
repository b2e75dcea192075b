package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestIsTokenExpiredBoundary(t *testing.T) {
	expiresAt := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := expiresAt.Add(-time.Hour)

	s := NewSession(WithClock(func() time.Time { return now }))
	// Pin the expiry directly via Restore so the boundary is exact.
	s.Restore(Record{IsAuthenticated: true, Identity: Identity{ID: "u1"}, Token: "tok", ExpiresAt: expiresAt})

	cases := []struct {
		name    string
		now     time.Time
		expired bool
	}{
		{"well before buffer", expiresAt.Add(-time.Minute), false},
		{"1ms before boundary", expiresAt.Add(-ExpiryBuffer - time.Millisecond), false},
		{"exactly at boundary", expiresAt.Add(-ExpiryBuffer), true},
		{"inside buffer", expiresAt.Add(-time.Second), true},
		{"past expiry", expiresAt.Add(time.Second), true},
	}
	for _, tc := range cases {
		now = tc.now
		if got := s.IsTokenExpired(); got != tc.expired {
			t.Errorf("%s: IsTokenExpired() = %v, want %v", tc.name, got, tc.expired)
		}
	}
}

func TestIsTokenExpiredWithoutToken(t *testing.T) {
	s := NewSession()
	if !s.IsTokenExpired() {
		t.Error("a session without a token must report expired")
	}
}

func TestAuthHeader(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession(WithClock(func() time.Time { return now }))

	if s.AuthHeader() != nil {
		t.Error("signed-out session must return nil header")
	}

	s.Login(TokenResponse{
		AccessToken: "abc123",
		ExpiresIn:   3600,
		User:        Identity{ID: "u1", Username: "alice"},
	})

	hdr := s.AuthHeader()
	if hdr == nil || hdr["Authorization"] != "Bearer abc123" {
		t.Errorf("unexpected header: %v", hdr)
	}

	now = now.Add(time.Hour) // past expiry
	if s.AuthHeader() != nil {
		t.Error("expired session must return nil header")
	}
}

func TestLoginFallsBackToTokenClaims(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(2 * time.Hour)
	token := signedToken(t, "user-from-claims", exp)

	s := NewSession(WithClock(func() time.Time { return now }))
	s.Login(TokenResponse{AccessToken: token}) // no expires_in, no user block

	if got := s.UserID(); got != "user-from-claims" {
		t.Errorf("expected identity from sub claim, got %q", got)
	}
	if s.IsTokenExpired() {
		t.Error("token expiring in 2h must not report expired")
	}

	now = exp.Add(time.Second)
	if !s.IsTokenExpired() {
		t.Error("token past its exp claim must report expired")
	}
}

func TestIdentitySwitchEmitsChangeBeforeAdoption(t *testing.T) {
	s := NewSession()

	var events []Event
	var idAtChange string
	s.Subscribe(func(ev Event) {
		events = append(events, ev)
		if ev.Kind == EventIdentityChanged {
			// The previous identity must still be current when the purge
			// subscriber runs.
			idAtChange = s.UserID()
		}
	})

	s.Login(TokenResponse{AccessToken: "t1", ExpiresIn: 3600, User: Identity{ID: "alice"}})
	s.Login(TokenResponse{AccessToken: "t2", ExpiresIn: 3600, User: Identity{ID: "bob"}})

	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventLogin, EventIdentityChanged, EventLogin}
	if len(kinds) != len(want) {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, kinds)
		}
	}
	if idAtChange != "alice" {
		t.Errorf("purge must run before adoption; session reported %q", idAtChange)
	}
	if events[1].PreviousID != "alice" {
		t.Errorf("expected previous id alice, got %q", events[1].PreviousID)
	}
}

func TestSameIdentityReloginDoesNotEmitChange(t *testing.T) {
	s := NewSession()
	changes := 0
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventIdentityChanged {
			changes++
		}
	})

	s.Login(TokenResponse{AccessToken: "t1", ExpiresIn: 3600, User: Identity{ID: "alice"}})
	s.Login(TokenResponse{AccessToken: "t2", ExpiresIn: 3600, User: Identity{ID: "alice"}})
	if changes != 0 {
		t.Errorf("re-login as the same identity must not emit identity_changed (%d events)", changes)
	}
}

func TestLogoutClearsAndEmits(t *testing.T) {
	s := NewSession()
	var got []EventKind
	s.Subscribe(func(ev Event) { got = append(got, ev.Kind) })

	s.Login(TokenResponse{AccessToken: "t1", ExpiresIn: 3600, User: Identity{ID: "alice"}})
	s.Logout()

	if s.IsAuthenticated() || s.UserID() != "" || s.AuthHeader() != nil {
		t.Error("logout must clear all auth state")
	}
	if len(got) != 2 || got[1] != EventLogout {
		t.Errorf("expected logout event, got %v", got)
	}
}

func TestInitializeClearsOnlyAbsolutelyExpired(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession(WithClock(func() time.Time { return now }))

	// Inside the 30s buffer but before absolute expiry: Initialize keeps it.
	s.Restore(Record{
		IsAuthenticated: true,
		Identity:        Identity{ID: "alice"},
		Token:           "tok",
		ExpiresAt:       now.Add(10 * time.Second),
	})
	if !s.IsAuthenticated() {
		t.Error("token before absolute expiry must survive Initialize")
	}
	if !s.IsTokenExpired() {
		t.Error("the same token is still unusable under the buffer")
	}

	// Past absolute expiry: cleared.
	s.Restore(Record{
		IsAuthenticated: true,
		Identity:        Identity{ID: "alice"},
		Token:           "tok",
		ExpiresAt:       now.Add(-time.Second),
	})
	if s.IsAuthenticated() {
		t.Error("token past absolute expiry must be cleared on restore")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession(WithClock(func() time.Time { return now }))
	s.Login(TokenResponse{AccessToken: "tok", ExpiresIn: 3600, User: Identity{ID: "alice", Username: "alice"}})

	rec := s.Snapshot()

	restored := NewSession(WithClock(func() time.Time { return now }))
	restored.Restore(rec)
	if restored.UserID() != "alice" {
		t.Errorf("expected alice after restore, got %q", restored.UserID())
	}
	if restored.IsTokenExpired() {
		t.Error("restored token should be usable")
	}
}
