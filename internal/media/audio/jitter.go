package audio

import (
	"net"
	"sync"
)

const (
	// jitterTargetDepth is how many frames must be buffered before playout
	// starts for a slot (120 ms at 40 ms per frame).
	jitterTargetDepth = 3

	// jitterMaxDepth caps buffered frames per slot; beyond it the oldest
	// buffered frame is evicted.
	jitterMaxDepth = 8

	// silenceResetTicks is how many consecutive empty ticks reset a slot
	// back to the buffering state. The slot itself survives the reset.
	silenceResetTicks = 10
)

// jitterSlot reorders one sender's frames by sequence number and hands them
// to the mixer at a steady 40 ms cadence. It also carries the sender's
// learned UDP endpoint and the codec state for both directions.
type jitterSlot struct {
	uid uint32

	// dec is only touched by the ingress goroutine, enc only by the mixer
	// goroutine. Neither needs the mutex.
	dec *opusDecoder
	enc *opusEncoder

	mu      sync.Mutex
	addr    *net.UDPAddr
	frames  map[uint32][]int16
	cursor  uint32 // next seq the mixer will play
	started bool
	missing int
}

func newJitterSlot(uid uint32) (*jitterSlot, error) {
	dec, err := newOpusDecoder()
	if err != nil {
		return nil, err
	}
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	return &jitterSlot{
		uid:    uid,
		dec:    dec,
		enc:    enc,
		frames: make(map[uint32][]int16),
	}, nil
}

// learn records the sender's current endpoint. Every inbound datagram
// refreshes it, so a client that re-binds keeps receiving its mix.
func (s *jitterSlot) learn(addr *net.UDPAddr) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
}

// endpoint returns the learned address, nil before the first datagram.
func (s *jitterSlot) endpoint() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// insert buffers one decoded frame. It reports false for frames at or
// behind the playout cursor, which are too late to mix.
func (s *jitterSlot) insert(seq uint32, pcm []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && seq < s.cursor {
		return false
	}
	if len(s.frames) >= jitterMaxDepth {
		oldest := seq
		for k := range s.frames {
			if k < oldest {
				oldest = k
			}
		}
		delete(s.frames, oldest)
		if oldest == seq {
			return false
		}
	}
	s.frames[seq] = pcm
	return true
}

// pop returns the frame at the playout cursor and advances it, or nil when
// the slot has nothing to contribute this tick. Playout starts once the
// target depth is buffered; ten consecutive empty ticks put the slot back
// into buffering.
func (s *jitterSlot) pop() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		if len(s.frames) < jitterTargetDepth {
			return nil
		}
		s.started = true
		s.cursor = s.minSeq()
	}

	pcm, ok := s.frames[s.cursor]
	if !ok {
		s.missing++
		if s.missing >= silenceResetTicks {
			s.reset()
		} else {
			s.cursor++
		}
		return nil
	}
	delete(s.frames, s.cursor)
	s.cursor++
	s.missing = 0
	return pcm
}

// depth returns the number of buffered frames.
func (s *jitterSlot) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *jitterSlot) reset() {
	s.started = false
	s.missing = 0
	clear(s.frames)
}

func (s *jitterSlot) minSeq() uint32 {
	first := true
	var min uint32
	for k := range s.frames {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}
