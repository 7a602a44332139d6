// Package transfer implements the file-transfer broker: per-offer ephemeral
// TCP listeners that carry exactly one upload or download each, with the
// file bytes kept off the control channel entirely.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/huddle/internal/config"
	"github.com/MrWong99/huddle/internal/eventlog"
	"github.com/MrWong99/huddle/internal/observe"
)

// Client-facing rejection reasons. These travel back over the control
// channel verbatim.
var (
	ErrInvalidFID   = errors.New("invalid fid")
	ErrBadFilename  = errors.New("invalid filename")
	ErrTooLarge     = errors.New("file too large")
	ErrEmptyFile    = errors.New("file is empty")
	ErrDuplicateFID = errors.New("fid already offered")
	ErrUnknownFID   = errors.New("unknown fid")
	ErrNotAvailable = errors.New("file not available")
)

// State is the lifecycle phase of an offer.
type State string

const (
	StatePendingUpload State = "pending-upload"
	StateAvailable     State = "available"
	StateFailed        State = "failed"
	StateExpired       State = "expired"
)

// Offer is one announced file. Once available it persists for the server's
// lifetime.
type Offer struct {
	FID         string
	Filename    string // sanitized basename
	Size        int64
	OffererUID  uint32
	OffererName string
	CreatedAt   time.Time
	Path        string // final on-disk path, set when available
	State       State
}

// transferSession is one live ephemeral listener. conn is set (under the
// broker mutex) once the single connection is accepted, so a cancel can
// abort the transfer mid-copy.
type transferSession struct {
	ln        net.Listener
	conn      net.Conn
	port      int
	direction string // "upload" | "download"
	fid       string
}

// AnnounceFunc is called when an upload completes, to broadcast availability
// over the control plane.
type AnnounceFunc func(fid, filename string, size int64, offererUID uint32, offererName string)

// Broker owns all offers and live transfer sessions.
type Broker struct {
	host     string
	cfg      config.TransferConfig
	events   *eventlog.Log
	metrics  *observe.Metrics
	log      *slog.Logger
	announce AnnounceFunc

	mu       sync.Mutex
	offers   map[string]*Offer
	sessions map[int]*transferSession
	nextPort int
	wg       sync.WaitGroup
}

// NewBroker creates a broker that stores uploads under cfg.UploadDir and
// binds transfer listeners on host. announce may be nil.
func NewBroker(host string, cfg config.TransferConfig, events *eventlog.Log, metrics *observe.Metrics, log *slog.Logger, announce AnnounceFunc) (*Broker, error) {
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("transfer: create upload dir: %w", err)
	}
	return &Broker{
		host:     host,
		cfg:      cfg,
		events:   events,
		metrics:  metrics,
		log:      log.With("component", "transfer"),
		announce: announce,
		offers:   make(map[string]*Offer),
		sessions: make(map[int]*transferSession),
		nextPort: cfg.PortStart,
	}, nil
}

// OpenUpload validates the offer, binds a fresh listener for it, and
// returns the listener port. The offer stays pending until the upload
// finishes.
func (b *Broker) OpenUpload(fid, filename string, size int64, offererUID uint32, offererName string) (int, error) {
	if _, err := uuid.Parse(fid); err != nil {
		return 0, ErrInvalidFID
	}
	name, err := sanitizeFilename(filename)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, ErrEmptyFile
	}
	if size > b.cfg.MaxFileSize {
		return 0, ErrTooLarge
	}

	b.mu.Lock()
	if _, exists := b.offers[fid]; exists {
		b.mu.Unlock()
		return 0, ErrDuplicateFID
	}
	offer := &Offer{
		FID:         fid,
		Filename:    name,
		Size:        size,
		OffererUID:  offererUID,
		OffererName: offererName,
		CreatedAt:   time.Now(),
		State:       StatePendingUpload,
	}
	b.offers[fid] = offer
	b.mu.Unlock()

	sess, err := b.openSession(fid, "upload")
	if err != nil {
		b.setState(fid, StateFailed)
		return 0, err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runUpload(sess, offer)
	}()
	return sess.port, nil
}

// OpenDownload binds a fresh listener that streams an available offer's
// file to exactly one connection.
func (b *Broker) OpenDownload(fid, requesterName string) (int, string, int64, error) {
	b.mu.Lock()
	offer, ok := b.offers[fid]
	if !ok {
		b.mu.Unlock()
		return 0, "", 0, ErrUnknownFID
	}
	if offer.State != StateAvailable {
		b.mu.Unlock()
		return 0, "", 0, ErrNotAvailable
	}
	filename, size := offer.Filename, offer.Size
	b.mu.Unlock()

	sess, err := b.openSession(fid, "download")
	if err != nil {
		return 0, "", 0, err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runDownload(sess, offer, requesterName)
	}()
	return sess.port, filename, size, nil
}

// CancelByOwner fails every pending upload offered by uid, closing its
// listener and any connection already accepted so an in-flight copy aborts.
// Available offers survive their offerer's departure.
func (b *Broker) CancelByOwner(uid uint32) {
	b.mu.Lock()
	var closing []io.Closer
	for fid, offer := range b.offers {
		if offer.OffererUID != uid || offer.State != StatePendingUpload {
			continue
		}
		offer.State = StateFailed
		for _, sess := range b.sessions {
			if sess.fid != fid || sess.direction != "upload" {
				continue
			}
			closing = append(closing, sess.ln)
			if sess.conn != nil {
				closing = append(closing, sess.conn)
			}
		}
	}
	b.mu.Unlock()

	for _, c := range closing {
		c.Close()
	}
}

// Lookup returns a copy of the offer for fid.
func (b *Broker) Lookup(fid string) (Offer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offer, ok := b.offers[fid]
	if !ok {
		return Offer{}, false
	}
	return *offer, true
}

// Shutdown closes all live listeners and waits for in-flight transfers,
// bounded by ctx.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	for _, sess := range b.sessions {
		sess.ln.Close()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transfer: shutdown: %w", ctx.Err())
	}
}

// maxPortProbes bounds the scan for a free transfer port.
const maxPortProbes = 2048

// openSession binds the next free port at or above the configured start and
// registers the session under it. Ports are probed from a monotonic cursor
// so two sessions never share one.
func (b *Broker) openSession(fid, direction string) (*transferSession, error) {
	for i := 0; i < maxPortProbes; i++ {
		b.mu.Lock()
		port := b.nextPort
		b.nextPort++
		if b.nextPort > 65535 {
			b.nextPort = b.cfg.PortStart
		}
		b.mu.Unlock()

		ln, err := net.Listen("tcp", net.JoinHostPort(b.host, fmt.Sprint(port)))
		if err != nil {
			continue // port in use, probe the next one
		}
		sess := &transferSession{
			ln:        ln,
			port:      port,
			direction: direction,
			fid:       fid,
		}
		b.mu.Lock()
		b.sessions[port] = sess
		b.mu.Unlock()
		return sess, nil
	}
	return nil, fmt.Errorf("transfer: no free port for %s listener after %d probes", direction, maxPortProbes)
}

func (b *Broker) closeSession(sess *transferSession) {
	sess.ln.Close()
	b.mu.Lock()
	conn := sess.conn
	delete(b.sessions, sess.port)
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (b *Broker) setState(fid string, st State) {
	b.mu.Lock()
	if offer, ok := b.offers[fid]; ok {
		offer.State = st
	}
	b.mu.Unlock()
}

// sanitizeFilename strips any path components and rejects names that reduce
// to nothing.
func sanitizeFilename(filename string) (string, error) {
	name := strings.ReplaceAll(filename, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", ErrBadFilename
	}
	return name, nil
}
