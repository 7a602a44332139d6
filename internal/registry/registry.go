// Package registry is the authoritative identity store for connected
// participants. It allocates uids, tracks display names and presence flags,
// and answers snapshot queries. All other subsystems reference participants
// by uid only.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registration errors.
var (
	// ErrNameEmpty is returned when a login carries a blank display name.
	ErrNameEmpty = errors.New("registry: display name must not be empty")

	// ErrNameTooLong is returned when a display name exceeds [MaxNameBytes].
	ErrNameTooLong = errors.New("registry: display name too long")

	// ErrNotFound is returned for operations on an unknown uid.
	ErrNotFound = errors.New("registry: participant not found")

	// ErrAlreadyPresenting is returned when a participant that is already
	// presenting starts another presentation.
	ErrAlreadyPresenting = errors.New("registry: already presenting")
)

// MaxNameBytes caps display names.
const MaxNameBytes = 64

// Entry is a point-in-time view of one participant, returned by value.
type Entry struct {
	UID        uint32
	Username   string
	JoinedAt   time.Time
	Presenting bool
	Topic      string
}

// participant is the registry-owned mutable record. Only accessed under the
// registry lock; callers get [Entry] copies.
type participant struct {
	uid        uint32
	username   string
	joinedAt   time.Time
	presenting bool
	topic      string
	muted      map[uint32]struct{} // peers this participant has silenced
}

// Registry assigns unique session identifiers and tracks connected
// participants. Safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	nextUID      uint32
	participants map[uint32]*participant
}

// New creates an empty Registry. The first registered participant gets uid 1;
// uids are never reused within a process lifetime.
func New() *Registry {
	return &Registry{
		nextUID:      1,
		participants: make(map[uint32]*participant),
	}
}

// Register allocates the next uid and creates a participant with the given
// display name. Fails with [ErrNameEmpty] for a blank name and
// [ErrNameTooLong] for names over [MaxNameBytes] bytes.
func (r *Registry) Register(name string) (uint32, error) {
	if name == "" {
		return 0, ErrNameEmpty
	}
	if len(name) > MaxNameBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	uid := r.nextUID
	r.nextUID++
	r.participants[uid] = &participant{
		uid:      uid,
		username: name,
		joinedAt: time.Now(),
		muted:    make(map[uint32]struct{}),
	}
	return uid, nil
}

// Unregister removes a participant. Idempotent: unknown uids are a no-op.
func (r *Registry) Unregister(uid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.participants, uid)
}

// Lookup returns the participant entry for uid.
func (r *Registry) Lookup(uid uint32) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[uid]
	if !ok {
		return Entry{}, false
	}
	return p.entry(), true
}

// Username returns the display name for uid, or "" for an unknown uid.
func (r *Registry) Username(uid uint32) string {
	e, _ := r.Lookup(uid)
	return e.Username
}

// Snapshot returns a consistent copy of all registered participants, sorted
// by uid ascending.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.participants))
	for _, p := range r.participants {
		entries = append(entries, p.entry())
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].UID < entries[j].UID })
	return entries
}

// Count returns the number of registered participants.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.participants)
}

// SetPresenting flags uid as presenting the given topic. A participant can
// hold at most one presentation; concurrent presentations by different
// participants are allowed.
func (r *Registry) SetPresenting(uid uint32, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[uid]
	if !ok {
		return fmt.Errorf("%w: uid=%d", ErrNotFound, uid)
	}
	if p.presenting {
		return ErrAlreadyPresenting
	}
	p.presenting = true
	p.topic = topic
	return nil
}

// ClearPresenting clears uid's presenting flag and reports whether it was
// set. Unknown uids report false.
func (r *Registry) ClearPresenting(uid uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[uid]
	if !ok || !p.presenting {
		return false
	}
	p.presenting = false
	p.topic = ""
	return true
}

// SetMuted adds or removes peer from uid's local mute set. The mute set only
// affects the audio mix delivered to uid.
func (r *Registry) SetMuted(uid, peer uint32, muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[uid]
	if !ok {
		return fmt.Errorf("%w: uid=%d", ErrNotFound, uid)
	}
	if muted {
		p.muted[peer] = struct{}{}
	} else {
		delete(p.muted, peer)
	}
	return nil
}

// Muted reports whether listener has silenced speaker. Unknown listeners
// report false.
func (r *Registry) Muted(listener, speaker uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[listener]
	if !ok {
		return false
	}
	_, muted := p.muted[speaker]
	return muted
}

func (p *participant) entry() Entry {
	return Entry{
		UID:        p.uid,
		Username:   p.username,
		JoinedAt:   p.joinedAt,
		Presenting: p.presenting,
		Topic:      p.topic,
	}
}
