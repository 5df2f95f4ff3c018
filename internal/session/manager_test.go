package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerReserveAttachExit(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Reserve("quiet-fox", "https://rtvi.daily.co/quiet-fox", "bot-token", "local", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if s.ID == "" || s.Status != StatusDispatching {
		t.Fatalf("unexpected reserved session: %+v", s)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	if err := m.Attach(s.ID, "4242"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusRunning || got.Handle != "4242" {
		t.Fatalf("after Attach: %+v", got)
	}

	if err := m.Exit(s.ID, "exit status 0"); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	got, _ = m.Get(s.ID)
	if got.Status != StatusExited || got.EndedAt.IsZero() {
		t.Fatalf("after Exit: %+v", got)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerRejectsSecondDispatchForSamePair(t *testing.T) {
	m := NewManager(time.Minute)
	exp := time.Now().Add(time.Minute)
	first, err := m.Reserve("r", "https://rtvi.daily.co/r", "tok", "local", exp)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := m.Reserve("r", "https://rtvi.daily.co/r", "tok", "local", exp); !errors.Is(err, ErrAlreadyDispatched) {
		t.Fatalf("second Reserve() error = %v, want ErrAlreadyDispatched", err)
	}

	// Failure does not release the pair.
	if err := m.Fail(first.ID, "spawn failed"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if _, err := m.Reserve("r", "https://rtvi.daily.co/r", "tok", "local", exp); !errors.Is(err, ErrAlreadyDispatched) {
		t.Fatalf("Reserve() after Fail error = %v, want ErrAlreadyDispatched", err)
	}

	// A different token for the same room is a different pair.
	if _, err := m.Reserve("r", "https://rtvi.daily.co/r", "tok-2", "local", exp); err != nil {
		t.Fatalf("Reserve() with new token error = %v", err)
	}
}

func TestManagerConcurrentReserveAdmitsOne(t *testing.T) {
	m := NewManager(time.Minute)
	exp := time.Now().Add(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Reserve("r", "https://rtvi.daily.co/r", "tok", "local", exp); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 1 {
		t.Fatalf("admitted = %d, want 1", admitted)
	}
}

func TestManagerEndIsIdempotent(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Reserve("r", "https://rtvi.daily.co/r", "tok", "local", time.Now().Add(time.Minute))
	if err := m.Exit(s.ID, "first"); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	if err := m.Fail(s.ID, "second"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.Status != StatusExited || got.ExitDetail != "first" {
		t.Fatalf("terminal status changed: %+v", got)
	}
	if err := m.Exit("missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Exit(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresPastCap(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	s, _ := m.Reserve("r", "https://rtvi.daily.co/r", "tok", "remote", time.Now().Add(30*time.Millisecond))

	expiredCh := make(chan string, 1)
	m.SetExpireHook(func(s *Session) { expiredCh <- s.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expiredCh:
		if id != s.ID {
			t.Fatalf("expired id = %q, want %q", id, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session was not expired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get(s.ID); errors.Is(err, ErrNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expired session was not purged after retention")
}

func TestDispatchKeyHidesToken(t *testing.T) {
	k := DispatchKey("https://rtvi.daily.co/r", "secret-token")
	if len(k) != 64 {
		t.Fatalf("len(DispatchKey) = %d, want 64", len(k))
	}
	if k == DispatchKey("https://rtvi.daily.co/r", "other-token") {
		t.Fatalf("different tokens produced the same key")
	}
}
