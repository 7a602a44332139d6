// Package audio implements the UDP audio path: per-sender jitter buffering,
// a 40 ms mixing loop, and per-listener personal mixes (everyone except the
// listener and anyone the listener has muted).
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/protocol"
	"github.com/MrWong99/huddle/internal/registry"
)

// tickInterval is the mixer cadence, matching the 40 ms frame duration.
const tickInterval = protocol.AudioFrameMillis * time.Millisecond

// Engine owns the audio UDP socket and all jitter slots.
type Engine struct {
	reg     *registry.Registry
	metrics *observe.Metrics
	log     *slog.Logger

	conn *net.UDPConn

	mu    sync.Mutex
	slots map[uint32]*jitterSlot

	tick uint32
}

// NewEngine creates an audio engine. Call [Engine.Listen] before
// [Engine.Run].
func NewEngine(reg *registry.Registry, metrics *observe.Metrics, log *slog.Logger) *Engine {
	return &Engine{
		reg:     reg,
		metrics: metrics,
		log:     log.With("component", "audio"),
		slots:   make(map[uint32]*jitterSlot),
	}
}

// Listen binds the audio UDP socket. A bind failure is fatal to the server.
func (e *Engine) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("audio: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("audio: listen on %s: %w", addr, err)
	}
	e.conn = conn
	e.log.Info("audio engine listening", "addr", conn.LocalAddr().String())
	return nil
}

// Close releases the bound socket. For teardown of an engine that never
// ran; Run closes the socket itself on cancellation.
func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// Run serves ingress and the mixer loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.conn.Close() })
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.ingress(ctx)
	}()

	// time.Ticker drops missed ticks down to one pending, so a stalled mix
	// catches up with at most one extra tick instead of a burst.
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.conn.Close()
			<-done
			return nil
		case <-ticker.C:
			start := time.Now()
			e.mixTick()
			e.metrics.MixTickDuration.Record(ctx, time.Since(start).Seconds())
		}
	}
}

// ingress reads datagrams, decodes them, and feeds the sender's jitter slot.
// The sender's endpoint is learned from the datagram's source address.
func (e *Engine) ingress(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Debug("audio read", "error", err)
			return
		}

		pkt, err := protocol.DecodeAudio(buf[:n])
		if err != nil {
			e.countDatagram(ctx, "invalid")
			continue
		}
		if pkt.FromServer() || pkt.UID == 0 {
			e.countDatagram(ctx, "invalid")
			continue
		}
		if _, ok := e.reg.Lookup(pkt.UID); !ok {
			e.countDatagram(ctx, "unknown")
			continue
		}

		slot, err := e.slot(pkt.UID)
		if err != nil {
			e.log.Error("create jitter slot", "uid", pkt.UID, "error", err)
			continue
		}
		slot.learn(src)

		pcm, err := slot.dec.decode(pkt.Payload)
		if err != nil {
			e.countDatagram(ctx, "invalid")
			continue
		}
		if slot.insert(pkt.Seq, pcm) {
			e.countDatagram(ctx, "ok")
		} else {
			e.countDatagram(ctx, "late")
		}
	}
}

// mixTick pops one frame per slot, sums them, and sends each listener a mix
// of everyone but themselves and their muted peers. Slots with nothing
// buffered contribute silence; every listener with a learned endpoint gets
// a frame each tick, so the output stream never stalls when the room goes
// quiet.
func (e *Engine) mixTick() {
	slots := e.snapshotSlots()
	if len(slots) == 0 {
		return
	}

	// One frame per contributing slot, popped in ascending uid order.
	contributions := make(map[uint32][]int16, len(slots))
	for _, slot := range slots {
		if pcm := slot.pop(); pcm != nil {
			contributions[slot.uid] = pcm
		}
	}

	sum := make([]int32, protocol.AudioFrameSamples)
	for _, pcm := range contributions {
		for i, s := range pcm {
			sum[i] += int32(s)
		}
	}

	e.tick++
	for _, listener := range slots {
		addr := listener.endpoint()
		if addr == nil {
			continue
		}

		out := personalMix(sum, contributions, listener.uid, func(speaker uint32) bool {
			return e.reg.Muted(listener.uid, speaker)
		})

		packet, err := listener.enc.encode(out)
		if err != nil {
			e.log.Error("encode mix", "uid", listener.uid, "error", err)
			continue
		}
		e.conn.WriteToUDP(protocol.EncodeAudio(protocol.AudioPacket{
			UID:     0,
			Seq:     e.tick,
			Flags:   protocol.AudioFlagServer,
			Payload: packet,
		}), addr)
	}
}

// slot returns the sender's jitter slot, creating it on first datagram.
func (e *Engine) slot(uid uint32) (*jitterSlot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.slots[uid]; ok {
		return s, nil
	}
	s, err := newJitterSlot(uid)
	if err != nil {
		return nil, err
	}
	e.slots[uid] = s
	e.metrics.ActiveSpeakers.Add(context.Background(), 1)
	return s, nil
}

// snapshotSlots returns live slots in ascending uid order, dropping slots
// whose participant has left.
func (e *Engine) snapshotSlots() []*jitterSlot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*jitterSlot, 0, len(e.slots))
	for uid, s := range e.slots {
		if _, ok := e.reg.Lookup(uid); !ok {
			delete(e.slots, uid)
			e.metrics.ActiveSpeakers.Add(context.Background(), -1)
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uid < out[j].uid })
	return out
}

func (e *Engine) countDatagram(ctx context.Context, status string) {
	e.metrics.AudioDatagrams.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("status", status)))
}

// personalMix builds one listener's frame: the room sum minus the
// listener's own contribution and those of peers the listener has muted,
// saturated down to 16 bits.
func personalMix(sum []int32, contributions map[uint32][]int16, listener uint32, muted func(speaker uint32) bool) []int16 {
	out := make([]int16, len(sum))
	scratch := make([]int32, len(sum))
	copy(scratch, sum)

	for uid, pcm := range contributions {
		if uid != listener && !muted(uid) {
			continue
		}
		for i, s := range pcm {
			scratch[i] -= int32(s)
		}
	}

	for i, s := range scratch {
		switch {
		case s > 32767:
			out[i] = 32767
		case s < -32768:
			out[i] = -32768
		default:
			out[i] = int16(s)
		}
	}
	return out
}
