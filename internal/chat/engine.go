package chat

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/huddle/internal/eventlog"
	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/protocol"
)

// Sink receives outbound control messages for one session. Enqueue must
// never block: implementations drop the oldest pending frame on overflow.
type Sink interface {
	Enqueue(msg any)
}

// Engine owns the chat history and the set of attached session sinks.
// Delivery is best-effort per session: a slow or dead consumer never blocks
// delivery to others. Safe for concurrent use.
type Engine struct {
	metrics *observe.Metrics
	events  *eventlog.Log

	mu      sync.Mutex
	sinks   map[uint32]Sink
	history *History
}

// NewEngine creates an Engine with an empty history.
func NewEngine(metrics *observe.Metrics, events *eventlog.Log) *Engine {
	return &Engine{
		metrics: metrics,
		events:  events,
		sinks:   make(map[uint32]Sink),
		history: NewHistory(),
	}
}

// Attach registers uid's outbound sink. Called once a session completes
// login.
func (e *Engine) Attach(uid uint32, s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sinks[uid] = s
}

// Detach removes uid's sink. Idempotent.
func (e *Engine) Detach(uid uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.sinks, uid)
}

// Publish enqueues msg to every attached sink.
func (e *Engine) Publish(msg any) {
	for _, s := range e.snapshotSinks(0) {
		s.Enqueue(msg)
	}
}

// PublishExcept enqueues msg to every attached sink except uid's.
func (e *Engine) PublishExcept(uid uint32, msg any) {
	for _, s := range e.snapshotSinks(uid) {
		s.Enqueue(msg)
	}
}

// DeliverTo enqueues msg to uid's sink only. Reports whether the sink was
// attached.
func (e *Engine) DeliverTo(uid uint32, msg any) bool {
	e.mu.Lock()
	s, ok := e.sinks[uid]
	e.mu.Unlock()

	if ok {
		s.Enqueue(msg)
	}
	return ok
}

// SendChat records a chat or broadcast entry and delivers it to every
// participant, the sender included.
func (e *Engine) SendChat(kind Kind, uid uint32, username, text string) {
	now := time.Now()
	e.appendEntry(Entry{TS: now, UID: uid, Username: username, Kind: kind, Text: text})

	switch kind {
	case KindBroadcast:
		e.events.Broadcast(username, uid, text)
	default:
		e.events.Chat(username, uid, text)
	}
	e.metrics.RecordChat(context.Background(), string(kind))

	e.Publish(protocol.ChatEvent(string(kind), uid, username, text, now))
}

// SendUnicast records a unicast entry and delivers it to the target and back
// to the sender. The sender additionally receives a unicast_sent
// confirmation.
func (e *Engine) SendUnicast(fromUID uint32, fromUsername string, toUID uint32, toUsername, text string) {
	now := time.Now()
	target := toUID
	e.appendEntry(Entry{TS: now, UID: fromUID, Username: fromUsername, Kind: KindUnicast, TargetUID: &target, Text: text})

	e.events.Unicast(fromUsername, fromUID, toUsername, toUID, text)
	e.metrics.RecordChat(context.Background(), string(KindUnicast))

	msg := protocol.UnicastEvent(fromUID, fromUsername, toUID, toUsername, text, now)
	e.DeliverTo(toUID, msg)
	if toUID != fromUID {
		e.DeliverTo(fromUID, msg)
	}
	e.DeliverTo(fromUID, protocol.UnicastSent(toUID, toUsername))
}

// HistoryReply builds a history message from the retained entries, oldest
// first.
func (e *Engine) HistoryReply() protocol.HistoryMsg {
	e.mu.Lock()
	entries := e.history.Recent()
	e.mu.Unlock()

	wire := make([]protocol.HistoryEntry, len(entries))
	for i, entry := range entries {
		wire[i] = wireEntry(entry)
	}
	return protocol.History(wire)
}

// HistoryLen returns the number of retained entries.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.history.Len()
}

func (e *Engine) appendEntry(entry Entry) {
	e.mu.Lock()
	e.history.Append(entry)
	e.mu.Unlock()
}

// snapshotSinks copies the sink set under the lock so enqueueing happens
// outside it. except=0 means no exclusion (uid 0 is never assigned).
func (e *Engine) snapshotSinks(except uint32) []Sink {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Sink, 0, len(e.sinks))
	for uid, s := range e.sinks {
		if uid == except {
			continue
		}
		out = append(out, s)
	}
	return out
}
