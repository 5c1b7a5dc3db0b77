package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CrazyForks/anyvm/internal/model"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSessionStore(db)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := &model.Session{
		ID:         "sess-1",
		Mode:       model.SessionModeVNC,
		RemoteAddr: "10.0.0.5:51234",
		State:      model.SessionStateConnecting,
		StartedAt:  time.Now(),
	}
	if err := s.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.GetByID(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Mode != model.SessionModeVNC || got.RemoteAddr != "10.0.0.5:51234" {
		t.Fatalf("unexpected session %+v", got)
	}
	if got.EndedAt != nil {
		t.Fatal("EndedAt should be nil for an open session")
	}

	if err := s.UpdateState(ctx, "sess-1", model.SessionStateActive); err != nil {
		t.Fatalf("UpdateState active: %v", err)
	}
	if err := s.UpdateState(ctx, "sess-1", model.SessionStateClosed); err != nil {
		t.Fatalf("UpdateState closed: %v", err)
	}

	got, err = s.GetByID(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != model.SessionStateClosed {
		t.Fatalf("state = %q, want closed", got.State)
	}
	if got.EndedAt == nil {
		t.Fatal("EndedAt not recorded on close")
	}
}

func TestGetMissingSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetByID(context.Background(), "nope")
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	err = s.UpdateState(context.Background(), "nope", model.SessionStateActive)
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("UpdateState err = %v, want ErrSessionNotFound", err)
	}
}

func TestListAndCountActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, mode := range []model.SessionMode{model.SessionModeVNC, model.SessionModeSerial, model.SessionModeVNC} {
		sess := &model.Session{
			ID:         string(rune('a' + i)),
			Mode:       mode,
			RemoteAddr: "127.0.0.1:9000",
			State:      model.SessionStateActive,
			StartedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Create(ctx, sess); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if err := s.UpdateState(ctx, "a", model.SessionStateClosed); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	sessions, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("List len = %d, want 3", len(sessions))
	}
	// Newest first.
	if sessions[0].ID != "c" {
		t.Fatalf("first session = %q, want c", sessions[0].ID)
	}

	count, err := s.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count != 2 {
		t.Fatalf("CountActive = %d, want 2", count)
	}
}

func TestAddEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{
		ID:         "sess-ev",
		Mode:       model.SessionModeSerial,
		RemoteAddr: "127.0.0.1:9000",
		State:      model.SessionStateActive,
		StartedAt:  time.Now(),
	}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.AddEvent(ctx, "sess-ev", "control", "system_reset"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := s.AddEvent(ctx, "sess-ev", "disconnect", ""); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = ?`, "sess-ev").Scan(&count)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 2 {
		t.Fatalf("events = %d, want 2", count)
	}
}
