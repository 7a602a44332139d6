package audio

import (
	"net"
	"testing"
)

// bareSlot builds a slot without codec state, which the buffering logic
// never touches.
func bareSlot(uid uint32) *jitterSlot {
	return &jitterSlot{uid: uid, frames: make(map[uint32][]int16)}
}

func frame(v int16) []int16 { return []int16{v} }

func TestJitterSlot_BuffersBeforePlayout(t *testing.T) {
	t.Parallel()

	s := bareSlot(1)
	s.insert(10, frame(1))
	s.insert(11, frame(2))

	if got := s.pop(); got != nil {
		t.Fatalf("pop() below target depth = %v, want nil", got)
	}

	s.insert(12, frame(3))
	if got := s.pop(); got == nil || got[0] != 1 {
		t.Fatalf("pop() at target depth = %v, want frame 1", got)
	}
}

func TestJitterSlot_ReordersOutOfOrderFrames(t *testing.T) {
	t.Parallel()

	s := bareSlot(1)
	s.insert(12, frame(3))
	s.insert(10, frame(1))
	s.insert(11, frame(2))

	for want := int16(1); want <= 3; want++ {
		got := s.pop()
		if got == nil || got[0] != want {
			t.Fatalf("pop() = %v, want frame %d", got, want)
		}
	}
}

func TestJitterSlot_DropsLateFrames(t *testing.T) {
	t.Parallel()

	s := bareSlot(1)
	s.insert(10, frame(1))
	s.insert(11, frame(2))
	s.insert(12, frame(3))
	s.pop() // playout started, cursor now 11

	if s.insert(10, frame(9)) {
		t.Error("insert() behind cursor = true, want late drop")
	}
	if !s.insert(13, frame(4)) {
		t.Error("insert() ahead of cursor = false, want accepted")
	}
}

func TestJitterSlot_ResetsAfterSilence(t *testing.T) {
	t.Parallel()

	s := bareSlot(1)
	s.insert(10, frame(1))
	s.insert(11, frame(2))
	s.insert(12, frame(3))
	for i := 0; i < 3; i++ {
		s.pop()
	}

	// Sender goes quiet: ten empty ticks put the slot back to buffering.
	for i := 0; i < silenceResetTicks; i++ {
		if got := s.pop(); got != nil {
			t.Fatalf("pop() during silence = %v, want nil", got)
		}
	}

	// A resumed stream with a fresh seq base buffers and plays again.
	s.insert(500, frame(7))
	s.insert(501, frame(8))
	s.insert(502, frame(9))
	if got := s.pop(); got == nil || got[0] != 7 {
		t.Fatalf("pop() after reset = %v, want frame 7", got)
	}
}

func TestJitterSlot_EvictsOldestBeyondMaxDepth(t *testing.T) {
	t.Parallel()

	s := bareSlot(1)
	for seq := uint32(0); seq < jitterMaxDepth+2; seq++ {
		s.insert(seq, frame(int16(seq)))
	}
	if got := s.depth(); got != jitterMaxDepth {
		t.Fatalf("depth() = %d, want %d", got, jitterMaxDepth)
	}

	// Oldest frames were evicted, so playout starts at seq 2.
	if got := s.pop(); got == nil || got[0] != 2 {
		t.Fatalf("pop() = %v, want frame 2", got)
	}
}

func TestJitterSlot_LearnsLatestEndpoint(t *testing.T) {
	t.Parallel()

	s := bareSlot(1)
	if s.endpoint() != nil {
		t.Fatal("endpoint() before any datagram should be nil")
	}

	a := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 5000}
	b := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 6000}
	s.learn(a)
	s.learn(b)

	if got := s.endpoint(); got.Port != 6000 {
		t.Errorf("endpoint() port = %d, want 6000", got.Port)
	}
}
