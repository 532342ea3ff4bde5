package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(time.Hour)

	s, err := m.Get(ctx, 5)
	if err != nil || s.UserID != 5 || s.CurrentTaskID != 0 {
		t.Fatalf("Get(unknown) = %+v, %v", s, err)
	}

	s.CurrentTaskID = 42
	s.Screen = ScreenContent
	if err := m.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ := m.Get(ctx, 5)
	if got.CurrentTaskID != 42 || got.Screen != ScreenContent || got.UpdatedAt.IsZero() {
		t.Fatalf("Get = %+v", got)
	}

	if err := m.Clear(ctx, 5); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := m.Get(ctx, 5); got.CurrentTaskID != 0 {
		t.Fatalf("session survived Clear: %+v", got)
	}
}

func TestMemoryExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(time.Minute)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_ = m.Save(ctx, Session{UserID: 1, CurrentTaskID: 9})
	now = now.Add(2 * time.Minute)
	if got, _ := m.Get(ctx, 1); got.CurrentTaskID != 0 {
		t.Fatalf("expired session returned: %+v", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "etcd"})
	var ude *UnknownDriverError
	if !errors.As(err, &ude) {
		t.Fatalf("Open = %v, want UnknownDriverError", err)
	}
}
