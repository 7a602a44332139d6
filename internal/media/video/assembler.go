package video

import (
	"sync"
	"time"
)

const (
	// partialMaxAge is how long an incomplete frame may wait for its
	// remaining chunks.
	partialMaxAge = 500 * time.Millisecond

	// frameWindow keeps assembly state only for frame ids within this
	// distance of the newest one seen. Older partials are stale.
	frameWindow = 8
)

// partial is one frame under assembly.
type partial struct {
	chunks   map[uint16][]byte
	expected uint16
	first    time.Time
	size     int
}

// assembler rebuilds one sender's JPEG frames for one stream kind from
// out-of-order chunks. Safe for concurrent use.
type assembler struct {
	mu       sync.Mutex
	partials map[uint32]*partial
	latest   uint32 // highest frame id seen
	seen     bool
}

func newAssembler() *assembler {
	return &assembler{partials: make(map[uint32]*partial)}
}

// add records one chunk. When the chunk completes its frame, add returns the
// reassembled frame bytes. expired reports how many partial frames were
// discarded while handling this chunk.
func (a *assembler) add(frameID uint32, index, total uint16, payload []byte, now time.Time) (frame []byte, expired int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seen && frameID > a.latest {
		a.latest = frameID
	} else if !a.seen {
		a.latest, a.seen = frameID, true
	}
	expired = a.prune(now)

	if a.latest >= frameWindow && frameID < a.latest-frameWindow {
		return nil, expired // stale frame, window already moved on
	}

	p, ok := a.partials[frameID]
	if !ok {
		p = &partial{chunks: make(map[uint16][]byte), expected: total, first: now}
		a.partials[frameID] = p
	}
	if total != p.expected {
		// Inconsistent sender; start the frame over.
		p.chunks = make(map[uint16][]byte)
		p.expected = total
		p.first = now
		p.size = 0
	}
	if _, dup := p.chunks[index]; dup {
		return nil, expired
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.chunks[index] = buf
	p.size += len(buf)

	if len(p.chunks) < int(p.expected) {
		return nil, expired
	}

	delete(a.partials, frameID)
	out := make([]byte, 0, p.size)
	for i := uint16(0); i < p.expected; i++ {
		out = append(out, p.chunks[i]...)
	}
	return out, expired
}

// prune drops partials that aged out or fell behind the frame window.
// Caller holds the lock.
func (a *assembler) prune(now time.Time) int {
	dropped := 0
	for id, p := range a.partials {
		tooOld := now.Sub(p.first) > partialMaxAge
		behind := a.latest >= frameWindow && id < a.latest-frameWindow
		if tooOld || behind {
			delete(a.partials, id)
			dropped++
		}
	}
	return dropped
}

// pending returns the number of frames under assembly.
func (a *assembler) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.partials)
}
