// Package video implements the UDP video path: per-sender JPEG frame
// reassembly and fan-out of complete frames to every other participant on
// the same stream kind. Webcam and screen share ride the same socket,
// distinguished by the stream kind byte.
package video

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/protocol"
	"github.com/MrWong99/huddle/internal/registry"
)

// senderKey identifies one participant's stream of one kind.
type senderKey struct {
	uid  uint32
	kind protocol.StreamKind
}

// sender holds one stream's assembler and its learned endpoint.
type sender struct {
	asm  *assembler
	addr *net.UDPAddr
}

// Engine owns the video UDP socket and all per-stream assemblers.
type Engine struct {
	reg     *registry.Registry
	metrics *observe.Metrics
	log     *slog.Logger

	conn *net.UDPConn

	mu      sync.Mutex
	senders map[senderKey]*sender
}

// NewEngine creates a video engine. Call [Engine.Listen] before
// [Engine.Run].
func NewEngine(reg *registry.Registry, metrics *observe.Metrics, log *slog.Logger) *Engine {
	return &Engine{
		reg:     reg,
		metrics: metrics,
		log:     log.With("component", "video"),
		senders: make(map[senderKey]*sender),
	}
}

// Listen binds the video UDP socket. A bind failure is fatal to the server.
func (e *Engine) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("video: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("video: listen on %s: %w", addr, err)
	}
	e.conn = conn
	e.log.Info("video engine listening", "addr", conn.LocalAddr().String())
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

// Run reads and fans out datagrams until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.conn.Close() })
	defer stop()

	buf := make([]byte, 2048)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("video: read: %w", err)
		}

		pkt, err := protocol.DecodeVideo(buf[:n])
		if err != nil {
			continue
		}
		if _, ok := e.reg.Lookup(pkt.SenderUID); !ok {
			continue
		}

		snd := e.sender(senderKey{uid: pkt.SenderUID, kind: pkt.Kind}, src)
		frame, expired := snd.asm.add(pkt.FrameID, pkt.ChunkIndex, pkt.ChunkTotal, pkt.Payload, time.Now())
		if expired > 0 {
			e.metrics.VideoFramesExpired.Add(ctx, int64(expired),
				metric.WithAttributes(observe.Attr("kind", pkt.Kind.String())))
		}
		if frame == nil {
			continue
		}

		e.metrics.VideoFramesAssembled.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("kind", pkt.Kind.String())))
		e.fanOut(pkt.SenderUID, pkt.Kind, pkt.FrameID, frame)
	}
}

// fanOut re-chunks a complete frame and sends it to every other learned
// endpoint of the same kind. The origin never receives its own frame back.
func (e *Engine) fanOut(origin uint32, kind protocol.StreamKind, frameID uint32, frame []byte) {
	targets := e.peersOf(origin, kind)
	if len(targets) == 0 {
		return
	}

	datagrams := protocol.ChunkFrame(origin, kind, frameID, frame)
	for _, addr := range targets {
		for _, d := range datagrams {
			e.conn.WriteToUDP(d, addr)
		}
	}
}

// sender returns the stream state for key, creating it on first chunk, and
// refreshes the learned endpoint either way.
func (e *Engine) sender(key senderKey, src *net.UDPAddr) *sender {
	e.mu.Lock()
	defer e.mu.Unlock()

	snd, ok := e.senders[key]
	if !ok {
		snd = &sender{asm: newAssembler()}
		e.senders[key] = snd
	}
	snd.addr = src
	return snd
}

// peersOf snapshots the endpoints to fan out to: everyone on the same kind
// except the origin, dropping state for departed participants.
func (e *Engine) peersOf(origin uint32, kind protocol.StreamKind) []*net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*net.UDPAddr
	for key, snd := range e.senders {
		if _, ok := e.reg.Lookup(key.uid); !ok {
			delete(e.senders, key)
			continue
		}
		if key.kind != kind || key.uid == origin || snd.addr == nil {
			continue
		}
		out = append(out, snd.addr)
	}
	return out
}
