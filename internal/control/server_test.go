package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/huddle/internal/chat"
	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/registry"
)

// fakeBroker records broker calls and returns canned results.
type fakeBroker struct {
	mu        sync.Mutex
	uploads   []string
	cancelled []uint32
	openErr   error
}

func (b *fakeBroker) OpenUpload(fid, filename string, size int64, offererUID uint32, offererName string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return 0, b.openErr
	}
	b.uploads = append(b.uploads, fid)
	return 10001, nil
}

func (b *fakeBroker) OpenDownload(fid, requesterName string) (int, string, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return 0, "", 0, b.openErr
	}
	return 10002, "notes.txt", 42, nil
}

func (b *fakeBroker) failWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

func (b *fakeBroker) CancelByOwner(uid uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, uid)
}

func (b *fakeBroker) cancelledUIDs() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.cancelled...)
}

// startServer runs a control server on a loopback port and returns it with
// its broker.
func startServer(t *testing.T) (*Server, *fakeBroker) {
	t.Helper()

	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	broker := &fakeBroker{}
	srv := NewServer("127.0.0.1:0", registry.New(), chat.NewEngine(m, nil), broker, nil, m,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, broker
}

// client is a scripted test peer.
type client struct {
	t    *testing.T
	conn net.Conn
	sc   *bufio.Scanner
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), 128*1024)
	return &client{t: t, conn: conn, sc: sc}
}

func (c *client) send(line string) {
	c.t.Helper()
	if _, err := fmt.Fprintln(c.conn, line); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

// recv reads one frame and decodes it into a generic map.
func (c *client) recv() map[string]any {
	c.t.Helper()
	if !c.sc.Scan() {
		c.t.Fatalf("connection closed while waiting for frame: %v", c.sc.Err())
	}
	var m map[string]any
	if err := json.Unmarshal(c.sc.Bytes(), &m); err != nil {
		c.t.Fatalf("bad frame %q: %v", c.sc.Text(), err)
	}
	return m
}

// recvType reads frames until one of the wanted type arrives. Presence
// broadcasts interleave with replies, so tests skip what they don't assert.
func (c *client) recvType(want string) map[string]any {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		m := c.recv()
		if m["type"] == want {
			return m
		}
	}
	c.t.Fatalf("no %q frame within 20 frames", want)
	return nil
}

func (c *client) login(name string) uint32 {
	c.t.Helper()
	c.send(fmt.Sprintf(`{"type":"login","username":%q}`, name))
	m := c.recvType("login_success")
	return uint32(m["uid"].(float64))
}

func TestServer_LoginHandshake(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	c := dial(t, srv)
	c.send(`{"type":"login","username":"alice"}`)

	success := c.recvType("login_success")
	if success["username"] != "alice" {
		t.Errorf("login_success username = %v, want alice", success["username"])
	}
	uid := uint32(success["uid"].(float64))
	if uid == 0 {
		t.Error("login_success uid = 0, want a positive uid")
	}

	roster := c.recvType("participant_list")
	if n := len(roster["participants"].([]any)); n != 1 {
		t.Errorf("participant_list length = %d, want 1", n)
	}
	history := c.recvType("history")
	if history["count"].(float64) != 0 {
		t.Errorf("history count = %v, want 0", history["count"])
	}
}

func TestServer_JoinAndLeaveBroadcasts(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.login("alice")

	bob := dial(t, srv)
	bobUID := bob.login("bob")

	joined := alice.recvType("user_joined")
	if uint32(joined["uid"].(float64)) != bobUID {
		t.Errorf("user_joined uid = %v, want %d", joined["uid"], bobUID)
	}
	roster := alice.recvType("participant_list")
	if n := len(roster["participants"].([]any)); n != 2 {
		t.Errorf("roster after join = %d participants, want 2", n)
	}

	bob.send(`{"type":"logout"}`)
	left := alice.recvType("user_left")
	if uint32(left["uid"].(float64)) != bobUID {
		t.Errorf("user_left uid = %v, want %d", left["uid"], bobUID)
	}
}

func TestServer_ChatRoundTrip(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.login("alice")
	bob := dial(t, srv)
	bob.login("bob")

	alice.send(`{"type":"chat","text":"hello room"}`)

	for name, c := range map[string]*client{"alice": alice, "bob": bob} {
		m := c.recvType("chat")
		if m["text"] != "hello room" || m["username"] != "alice" {
			t.Errorf("%s received chat %v", name, m)
		}
	}
}

func TestServer_ChatAcceptsLegacyMessageField(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	c := dial(t, srv)
	c.login("alice")
	c.send(`{"type":"chat","message":"old client"}`)

	m := c.recvType("chat")
	if m["text"] != "old client" {
		t.Errorf("chat text = %v, want %q", m["text"], "old client")
	}
}

func TestServer_UnicastUnknownTarget(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	c := dial(t, srv)
	c.login("alice")
	c.send(`{"type":"unicast","target_uid":9999,"text":"hello?"}`)

	m := c.recvType("error")
	if m["reason"] != "unknown target uid" {
		t.Errorf("error reason = %v, want %q", m["reason"], "unknown target uid")
	}
}

func TestServer_MalformedLineKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	c := dial(t, srv)
	c.login("alice")

	c.send(`{not json`)
	if m := c.recvType("error"); m["reason"] != "malformed" {
		t.Errorf("error reason = %v, want malformed", m["reason"])
	}

	// Session must still work.
	c.send(`{"type":"heartbeat"}`)
	c.recvType("heartbeat_ack")
}

func TestServer_HeartbeatCarriesRoster(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	c := dial(t, srv)
	c.login("alice")
	c.send(`{"type":"heartbeat"}`)
	c.recvType("heartbeat_ack")
	roster := c.recvType("participant_list")
	if n := len(roster["participants"].([]any)); n != 1 {
		t.Errorf("heartbeat roster = %d participants, want 1", n)
	}
}

func TestServer_NonLoginFirstMessageCloses(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	c := dial(t, srv)
	c.send(`{"type":"chat","text":"premature"}`)

	m := c.recvType("error")
	if m["reason"] != "login required" {
		t.Errorf("error reason = %v, want %q", m["reason"], "login required")
	}
	waitClosed(t, c)
}

func TestServer_BlankUsernameRejected(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	c := dial(t, srv)
	c.send(`{"type":"login","username":""}`)

	m := c.recvType("error")
	if m["reason"] != "username must not be empty" {
		t.Errorf("error reason = %v", m["reason"])
	}
	waitClosed(t, c)
}

func TestServer_FileOfferFlow(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	c := dial(t, srv)
	c.login("alice")
	c.send(`{"type":"file_offer","fid":"abc","filename":"notes.txt","size":42}`)

	m := c.recvType("file_upload_port")
	if m["port"].(float64) != 10001 || m["fid"] != "abc" {
		t.Errorf("file_upload_port = %v", m)
	}

	c.send(`{"type":"file_request","fid":"abc"}`)
	m = c.recvType("file_download_port")
	if m["port"].(float64) != 10002 || m["filename"] != "notes.txt" {
		t.Errorf("file_download_port = %v", m)
	}
}

func TestServer_FileOfferRejectedReturnsError(t *testing.T) {
	t.Parallel()
	srv, broker := startServer(t)
	broker.failWith(errors.New("file too large"))

	c := dial(t, srv)
	c.login("alice")
	c.send(`{"type":"file_offer","fid":"abc","filename":"big.bin","size":9999999999}`)

	m := c.recvType("error")
	if m["reason"] != "file too large" {
		t.Errorf("error reason = %v", m["reason"])
	}
}

func TestServer_PresentStartStop(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	alice := dial(t, srv)
	alice.login("alice")
	bob := dial(t, srv)
	bob.login("bob")

	alice.send(`{"type":"present_start","topic":"roadmap"}`)
	m := bob.recvType("present_start_broadcast")
	if m["topic"] != "roadmap" || m["username"] != "alice" {
		t.Errorf("present_start_broadcast = %v", m)
	}

	// Starting again while presenting is an error.
	alice.send(`{"type":"present_start","topic":"again"}`)
	if e := alice.recvType("error"); e["reason"] != "already presenting" {
		t.Errorf("error reason = %v", e["reason"])
	}

	alice.send(`{"type":"present_stop"}`)
	bob.recvType("present_stop_broadcast")
}

func TestServer_DisconnectCancelsOwnedUploads(t *testing.T) {
	t.Parallel()
	srv, broker := startServer(t)

	c := dial(t, srv)
	uid := c.login("alice")
	c.send(`{"type":"logout"}`)
	waitClosed(t, c)

	deadline := time.After(2 * time.Second)
	for {
		for _, got := range broker.cancelledUIDs() {
			if got == uid {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("CancelByOwner(%d) not called", uid)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// waitClosed asserts the server eventually closes the connection.
func waitClosed(t *testing.T, c *client) {
	t.Helper()
	for c.sc.Scan() {
	}
	if err := c.sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		// A reset is also a close.
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			t.Fatalf("connection still open: %v", err)
		}
	}
}
