package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/session"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(nil)
	s := session.New(session.Config{ID: "s-1"})

	reg.Add(s)
	if got := reg.Len(); got != 1 {
		t.Fatalf("Len = %d; want 1", got)
	}
	got, ok := reg.Get("s-1")
	if !ok || got.ID() != "s-1" {
		t.Fatalf("Get(s-1) = %v, %v; want the session", got, ok)
	}

	reg.Remove("s-1")
	if _, ok := reg.Get("s-1"); ok {
		t.Error("session still present after Remove")
	}
	if got := reg.Len(); got != 0 {
		t.Errorf("Len = %d; want 0", got)
	}

	// Removing twice is harmless.
	reg.Remove("s-1")
}

func TestRegistry_CloseAll(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(nil)

	done := make(chan string, 2)
	for _, id := range []string{"a", "b"} {
		s := session.New(session.Config{ID: id})
		reg.Add(s)
		go func(s *session.Session) {
			s.Run(context.Background())
			done <- s.ID()
		}(s)
	}

	reg.CloseAll()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("session loop did not exit after CloseAll")
		}
	}
}
