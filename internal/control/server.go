// Package control implements the TCP control plane: one line-delimited JSON
// session per connection, with a reader-driven state machine and a bounded
// outbound mailbox per session.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/MrWong99/huddle/internal/chat"
	"github.com/MrWong99/huddle/internal/eventlog"
	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/registry"
)

// Broker is the file-transfer surface the control plane drives. Implemented
// by [transfer.Broker].
type Broker interface {
	// OpenUpload opens an ephemeral upload listener for a new offer and
	// returns its port.
	OpenUpload(fid, filename string, size int64, offererUID uint32, offererName string) (port int, err error)

	// OpenDownload opens an ephemeral download listener for an available
	// offer.
	OpenDownload(fid, requesterName string) (port int, filename string, size int64, err error)

	// CancelByOwner fails every pending upload offered by uid.
	CancelByOwner(uid uint32)
}

// Server accepts control connections and runs one session per connection.
type Server struct {
	addr    string
	reg     *registry.Registry
	chat    *chat.Engine
	broker  Broker
	events  *eventlog.Log
	metrics *observe.Metrics
	log     *slog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a control server. Call [Server.Listen] before
// [Server.Serve].
func NewServer(addr string, reg *registry.Registry, chatEngine *chat.Engine, broker Broker, events *eventlog.Log, metrics *observe.Metrics, log *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		reg:     reg,
		chat:    chatEngine,
		broker:  broker,
		events:  events,
		metrics: metrics,
		log:     log.With("component", "control"),
	}
}

// Listen binds the control port. A bind failure here is fatal to the server
// process.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.log.Info("control plane listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address. Only valid after [Server.Listen].
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// Each connection gets its own session goroutine.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}

		sess := &session{
			srv:        s,
			conn:       conn,
			mbox:       newMailbox(),
			log:        s.log.With("remote", conn.RemoteAddr().String()),
			writerDone: make(chan struct{}),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(ctx)
		}()
	}
}

// Close releases the bound listener without waiting for sessions. For
// teardown of a server that never served.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// Shutdown closes the listener and waits for in-flight sessions, bounded by
// ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("control: shutdown: %w", ctx.Err())
	}
}
