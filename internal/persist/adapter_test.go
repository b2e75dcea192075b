package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/ragline/internal/auth"
	"github.com/ChamsBouzaiene/ragline/internal/store"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(context.Background(), filepath.Join(t.TempDir(), "ragline.db"))
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestChatRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	src := store.New(store.WithOwnerFunc(func() string { return "alice" }))
	convID := src.CreateConversation()
	src.AddMessage(convID, store.RoleUser, "hello there", nil)

	if err := a.SaveRecord(ctx, ChatRecord, src.Snapshot()); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	var snap store.Snapshot
	ok, err := a.LoadRecord(ctx, ChatRecord, &snap)
	if err != nil || !ok {
		t.Fatalf("LoadRecord failed: ok=%v err=%v", ok, err)
	}

	dst := store.New()
	dst.Restore(snap, "alice")

	msgs := dst.Messages(convID)
	if len(msgs) != 1 || msgs[0].Content != "hello there" {
		t.Fatalf("messages did not survive the round trip: %+v", msgs)
	}
	// Serialized timestamps come back as real temporal values.
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp was not restored")
	}
	if dst.ActiveConversationID() != convID {
		t.Error("active conversation did not survive the round trip")
	}
}

func TestRehydrateAfterLogoutIsEmpty(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	src := store.New(store.WithOwnerFunc(func() string { return "alice" }))
	convID := src.CreateConversation()
	src.AddMessage(convID, store.RoleUser, "private", nil)
	if err := a.SaveRecord(ctx, ChatRecord, src.Snapshot()); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	// No authenticated identity: every conversation is discarded.
	var snap store.Snapshot
	if ok, err := a.LoadRecord(ctx, ChatRecord, &snap); err != nil || !ok {
		t.Fatalf("LoadRecord failed: ok=%v err=%v", ok, err)
	}
	dst := store.New()
	dst.Restore(snap, "")

	if got := len(dst.Conversations()); got != 0 {
		t.Errorf("expected empty conversation list, got %d", got)
	}
	if dst.ActiveConversationID() != "" {
		t.Error("active conversation id must be cleared")
	}
}

func TestAuthRecordRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	rec := auth.Record{
		IsAuthenticated: true,
		Identity:        auth.Identity{ID: "alice", Username: "alice"},
		Token:           "tok",
		ExpiresAt:       now.Add(time.Hour),
	}
	if err := a.SaveRecord(ctx, AuthRecord, rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	var loaded auth.Record
	if ok, err := a.LoadRecord(ctx, AuthRecord, &loaded); err != nil || !ok {
		t.Fatalf("LoadRecord failed: ok=%v err=%v", ok, err)
	}

	s := auth.NewSession(auth.WithClock(func() time.Time { return now }))
	s.Restore(loaded)
	if !s.IsAuthenticated() || s.UserID() != "alice" {
		t.Errorf("valid token must restore the session, got authenticated=%v", s.IsAuthenticated())
	}

	// A record past absolute expiry restores to a signed-out session.
	expired := auth.NewSession(auth.WithClock(func() time.Time { return now.Add(2 * time.Hour) }))
	expired.Restore(loaded)
	if expired.IsAuthenticated() {
		t.Error("expired token must be cleared on restore")
	}
}

func TestLoadRecordAbsent(t *testing.T) {
	a := newAdapter(t)
	var snap store.Snapshot
	ok, err := a.LoadRecord(context.Background(), ChatRecord, &snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("absent record must report ok=false")
	}
}

func TestCorruptRecordDiscarded(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	// Valid JSON, wrong shape: conversations is a string.
	bad := map[string]any{"conversations": "oops", "settings": map[string]any{}}
	if err := a.SaveRecord(ctx, ChatRecord, bad); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	var snap store.Snapshot
	ok, err := a.LoadRecord(ctx, ChatRecord, &snap)
	if err != nil {
		t.Fatalf("corrupt records must not be fatal: %v", err)
	}
	if ok {
		t.Error("corrupt record must be discarded")
	}
}

func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	if err := a.SaveRecord(ctx, ChatRecord, store.New().Snapshot()); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	if err := a.DeleteRecord(ctx, ChatRecord); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}

	var snap store.Snapshot
	if ok, _ := a.LoadRecord(ctx, ChatRecord, &snap); ok {
		t.Error("deleted record must not load")
	}

	// Deleting again is a no-op.
	if err := a.DeleteRecord(ctx, ChatRecord); err != nil {
		t.Fatalf("repeat delete must be a no-op: %v", err)
	}
}

func TestSaveRecordOverwrites(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	first := store.New(store.WithOwnerFunc(func() string { return "alice" }))
	first.CreateConversation()
	if err := a.SaveRecord(ctx, ChatRecord, first.Snapshot()); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	second := store.New(store.WithOwnerFunc(func() string { return "alice" }))
	second.CreateConversation()
	second.CreateConversation()
	if err := a.SaveRecord(ctx, ChatRecord, second.Snapshot()); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	var snap store.Snapshot
	if ok, err := a.LoadRecord(ctx, ChatRecord, &snap); err != nil || !ok {
		t.Fatalf("LoadRecord failed: ok=%v err=%v", ok, err)
	}
	if len(snap.Conversations) != 2 {
		t.Errorf("expected the latest snapshot (2 conversations), got %d", len(snap.Conversations))
	}
}
