package registry_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/huddle/internal/registry"
)

func TestRegister_UIDsStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	r := registry.New()
	var last uint32
	for i := 0; i < 10; i++ {
		uid, err := r.Register("user")
		if err != nil {
			t.Fatalf("Register() error: %v", err)
		}
		if uid <= last {
			t.Fatalf("uid %d not strictly greater than previous %d", uid, last)
		}
		last = uid
	}
	if last != 10 {
		t.Errorf("last uid = %d, want 10", last)
	}
}

func TestRegister_UIDNeverReused(t *testing.T) {
	t.Parallel()

	r := registry.New()
	uid, _ := r.Register("a")
	r.Unregister(uid)

	next, _ := r.Register("b")
	if next == uid {
		t.Errorf("uid %d was reused after unregister", uid)
	}
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	r := registry.New()
	if _, err := r.Register(""); !errors.Is(err, registry.ErrNameEmpty) {
		t.Errorf("blank name error = %v, want ErrNameEmpty", err)
	}
	if _, err := r.Register(strings.Repeat("x", 65)); !errors.Is(err, registry.ErrNameTooLong) {
		t.Errorf("long name error = %v, want ErrNameTooLong", err)
	}
	if _, err := r.Register(strings.Repeat("x", 64)); err != nil {
		t.Errorf("64-byte name should be accepted, got %v", err)
	}
}

func TestRegister_ConcurrentUnique(t *testing.T) {
	t.Parallel()

	r := registry.New()
	const workers = 50

	uids := make([]uint32, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uid, err := r.Register("worker")
			if err != nil {
				t.Errorf("Register() error: %v", err)
				return
			}
			uids[i] = uid
		}()
	}
	wg.Wait()

	seen := make(map[uint32]bool, workers)
	for _, uid := range uids {
		if seen[uid] {
			t.Fatalf("duplicate uid %d", uid)
		}
		seen[uid] = true
	}
}

func TestSnapshot_SortedAndConsistent(t *testing.T) {
	t.Parallel()

	r := registry.New()
	names := []string{"alice", "bob", "carol"}
	for _, n := range names {
		if _, err := r.Register(n); err != nil {
			t.Fatalf("Register(%q) error: %v", n, err)
		}
	}
	r.Unregister(2)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}
	if snap[0].UID != 1 || snap[0].Username != "alice" {
		t.Errorf("snap[0] = %+v, want uid 1 alice", snap[0])
	}
	if snap[1].UID != 3 || snap[1].Username != "carol" {
		t.Errorf("snap[1] = %+v, want uid 3 carol", snap[1])
	}
}

func TestPresenting(t *testing.T) {
	t.Parallel()

	r := registry.New()
	a, _ := r.Register("alice")
	b, _ := r.Register("bob")

	if err := r.SetPresenting(a, "roadmap"); err != nil {
		t.Fatalf("SetPresenting() error: %v", err)
	}
	// A participant holds at most one presentation.
	if err := r.SetPresenting(a, "other"); !errors.Is(err, registry.ErrAlreadyPresenting) {
		t.Errorf("second SetPresenting error = %v, want ErrAlreadyPresenting", err)
	}
	// Multi-presenter: a different participant may present concurrently.
	if err := r.SetPresenting(b, "demo"); err != nil {
		t.Errorf("concurrent presenter rejected: %v", err)
	}

	e, _ := r.Lookup(a)
	if !e.Presenting || e.Topic != "roadmap" {
		t.Errorf("entry = %+v, want presenting roadmap", e)
	}

	if !r.ClearPresenting(a) {
		t.Error("ClearPresenting() = false, want true")
	}
	if r.ClearPresenting(a) {
		t.Error("second ClearPresenting() = true, want false")
	}
	if err := r.SetPresenting(999, "x"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("unknown uid error = %v, want ErrNotFound", err)
	}
}

func TestMuteSet(t *testing.T) {
	t.Parallel()

	r := registry.New()
	a, _ := r.Register("alice")
	b, _ := r.Register("bob")

	if r.Muted(a, b) {
		t.Error("fresh participants should not be muted")
	}
	if err := r.SetMuted(a, b, true); err != nil {
		t.Fatalf("SetMuted() error: %v", err)
	}
	if !r.Muted(a, b) {
		t.Error("Muted(a, b) = false after SetMuted")
	}
	// Mute is per-listener, not symmetric.
	if r.Muted(b, a) {
		t.Error("Muted(b, a) = true, mute set must be directional")
	}
	if err := r.SetMuted(a, b, false); err != nil {
		t.Fatalf("SetMuted(unmute) error: %v", err)
	}
	if r.Muted(a, b) {
		t.Error("Muted(a, b) = true after unmute")
	}
}
