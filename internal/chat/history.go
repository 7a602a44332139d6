// Package chat maintains the bounded chat history and performs best-effort
// message delivery to session mailboxes.
package chat

import (
	"time"

	"github.com/MrWong99/huddle/internal/protocol"
)

// Capacity is the maximum number of retained chat entries. The oldest entry
// is evicted when a new one arrives at capacity.
const Capacity = 500

// MaxTextBytes caps the stored text of a single entry.
const MaxTextBytes = 4096

// Kind is the delivery kind of a chat entry.
type Kind string

const (
	KindChat      Kind = "chat"
	KindBroadcast Kind = "broadcast"
	KindUnicast   Kind = "unicast"
)

// Entry is one recorded chat message.
type Entry struct {
	TS        time.Time
	UID       uint32
	Username  string
	Kind      Kind
	TargetUID *uint32 // unicast only
	Text      string
}

// History is a fixed-capacity ring of chat entries. Safe for concurrent use
// through the owning [Engine]; History itself is not synchronised.
type History struct {
	entries []Entry
	start   int // index of the oldest entry
}

// NewHistory creates an empty history ring.
func NewHistory() *History {
	return &History{entries: make([]Entry, 0, Capacity)}
}

// Append records e, evicting the oldest entry at capacity. Text longer than
// [MaxTextBytes] is truncated.
func (h *History) Append(e Entry) {
	if len(e.Text) > MaxTextBytes {
		e.Text = e.Text[:MaxTextBytes]
	}
	if len(h.entries) < Capacity {
		h.entries = append(h.entries, e)
		return
	}
	h.entries[h.start] = e
	h.start = (h.start + 1) % Capacity
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	return len(h.entries)
}

// Recent returns a copy of all retained entries, oldest first.
func (h *History) Recent() []Entry {
	out := make([]Entry, 0, len(h.entries))
	out = append(out, h.entries[h.start:]...)
	out = append(out, h.entries[:h.start]...)
	return out
}

// wireEntry converts e into its history-replay representation.
func wireEntry(e Entry) protocol.HistoryEntry {
	return protocol.HistoryEntry{
		TS:        protocol.Timestamp(e.TS),
		UID:       e.UID,
		Username:  e.Username,
		Text:      e.Text,
		Kind:      string(e.Kind),
		TargetUID: e.TargetUID,
	}
}
