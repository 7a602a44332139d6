package control

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/huddle/internal/chat"
	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/protocol"
	"github.com/MrWong99/huddle/internal/registry"
)

// writeTimeout bounds a single outbound frame write. A peer that stops
// reading for this long is treated as gone.
const writeTimeout = 10 * time.Second

// session is one control connection. The reader goroutine owns the inbound
// state machine; the writer goroutine drains the mailbox. uid and username
// are set once login succeeds and never change afterwards.
type session struct {
	srv  *Server
	conn net.Conn
	mbox *mailbox
	log  *slog.Logger

	writerDone chan struct{}

	uid      uint32
	username string
}

var _ chat.Sink = (*session)(nil)

// Enqueue queues msg for the writer goroutine. Never blocks; drops the
// oldest pending frame on overflow.
func (s *session) Enqueue(msg any) {
	if s.mbox.enqueue(msg) {
		s.srv.metrics.MailboxDrops.Add(context.Background(), 1)
		s.log.Warn("slow consumer, dropped oldest pending frame", "drops", s.mbox.drops())
	}
}

// run drives the session to completion. It returns when the connection
// closes, the peer logs out, or ctx is cancelled.
func (s *session) run(ctx context.Context) {
	defer s.close()

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	go s.writeLoop()

	sc := bufio.NewScanner(s.conn)
	sc.Buffer(make([]byte, 4096), protocol.MaxLineBytes)

	if !s.awaitLogin(sc) {
		return
	}
	s.readLoop(sc)
}

// awaitLogin consumes frames until a valid login arrives. Anything else is
// a protocol violation that ends the session.
func (s *session) awaitLogin(sc *bufio.Scanner) bool {
	if !sc.Scan() {
		s.scanDone(sc.Err())
		return false
	}

	msg, err := protocol.Decode(sc.Bytes())
	if err != nil {
		s.replyDecodeError(err)
		return false
	}
	login, ok := msg.(protocol.Login)
	if !ok {
		s.Enqueue(protocol.Error("login required"))
		return false
	}

	uid, err := s.srv.reg.Register(login.Username)
	if err != nil {
		s.protocolError("login_rejected")
		s.Enqueue(protocol.Error(loginReason(err)))
		return false
	}
	s.uid = uid
	s.username = login.Username
	s.log = s.log.With("uid", uid, "username", login.Username)

	s.srv.chat.Attach(uid, s)
	s.srv.metrics.ActiveSessions.Add(context.Background(), 1)

	now := time.Now()
	s.Enqueue(protocol.LoginSuccess(uid, login.Username))
	s.Enqueue(s.participantList())
	s.Enqueue(s.srv.chat.HistoryReply())
	s.srv.chat.PublishExcept(uid, protocol.UserJoined(uid, login.Username, now))
	s.srv.chat.Publish(s.participantList())

	s.log.Info("participant logged in")
	return true
}

// readLoop dispatches active-phase messages until the connection ends or
// the peer logs out.
func (s *session) readLoop(sc *bufio.Scanner) {
	for sc.Scan() {
		msg, err := protocol.Decode(sc.Bytes())
		if err != nil {
			// Transient garbage is survivable mid-session.
			s.replyDecodeError(err)
			continue
		}
		if !s.dispatch(msg) {
			return
		}
	}
	s.scanDone(sc.Err())
}

// dispatch handles one active-phase message. It reports false when the
// session should close.
func (s *session) dispatch(msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.Heartbeat:
		s.Enqueue(protocol.HeartbeatAck(time.Now()))
		s.Enqueue(s.participantList())

	case protocol.Chat:
		s.srv.chat.SendChat(chat.KindChat, s.uid, s.username, m.Text)

	case protocol.Broadcast:
		s.srv.chat.SendChat(chat.KindBroadcast, s.uid, s.username, m.Text)

	case protocol.Unicast:
		target, ok := s.srv.reg.Lookup(m.TargetUID)
		if !ok {
			s.protocolError("unknown_target")
			s.Enqueue(protocol.Error("unknown target uid"))
			return true
		}
		s.srv.chat.SendUnicast(s.uid, s.username, target.UID, target.Username, m.Text)

	case protocol.GetHistory:
		s.Enqueue(s.srv.chat.HistoryReply())

	case protocol.FileOffer:
		port, err := s.srv.broker.OpenUpload(m.FID, m.Filename, m.Size, s.uid, s.username)
		if err != nil {
			s.protocolError("file_offer_rejected")
			s.Enqueue(protocol.Error(err.Error()))
			return true
		}
		s.Enqueue(protocol.FileUploadPort(port, m.FID))

	case protocol.FileRequest:
		port, filename, size, err := s.srv.broker.OpenDownload(m.FID, s.username)
		if err != nil {
			s.protocolError("file_request_rejected")
			s.Enqueue(protocol.Error(err.Error()))
			return true
		}
		s.Enqueue(protocol.FileDownloadPort(port, m.FID, filename, size))

	case protocol.PresentStart:
		if err := s.srv.reg.SetPresenting(s.uid, m.Topic); err != nil {
			s.Enqueue(protocol.Error("already presenting"))
			return true
		}
		s.srv.events.PresentStart(s.username, s.uid, m.Topic)
		s.srv.chat.Publish(protocol.PresentStartBroadcast(s.uid, s.username, m.Topic))

	case protocol.PresentStop:
		if s.srv.reg.ClearPresenting(s.uid) {
			s.srv.events.PresentStop(s.username, s.uid)
			s.srv.chat.Publish(protocol.PresentStopBroadcast(s.uid))
		}

	case protocol.Logout:
		s.log.Info("participant logged out")
		return false

	case protocol.Login:
		s.Enqueue(protocol.Error("already logged in"))
	}
	return true
}

// close tears the session down: detach from chat, release registry and
// broker state, announce the departure. Runs exactly once per session.
func (s *session) close() {
	// Let the writer flush any final error frame before the socket goes.
	s.mbox.close()
	select {
	case <-s.writerDone:
	case <-time.After(2 * time.Second):
	}
	s.conn.Close()

	if s.uid == 0 {
		return // never completed login
	}

	s.srv.chat.Detach(s.uid)
	s.srv.reg.ClearPresenting(s.uid)
	s.srv.reg.Unregister(s.uid)
	s.srv.broker.CancelByOwner(s.uid)
	s.srv.metrics.ActiveSessions.Add(context.Background(), -1)

	s.srv.chat.Publish(protocol.UserLeft(s.uid, s.username, time.Now()))
	s.srv.chat.Publish(s.participantList())
	s.log.Info("session closed")
}

// writeLoop serialises and writes mailbox frames until the mailbox closes
// or a write fails.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	for {
		msg, ok := s.mbox.next()
		if !ok {
			return
		}
		line, err := protocol.Encode(msg)
		if err != nil {
			s.log.Error("encode outbound frame", "error", err)
			continue
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := s.conn.Write(line); err != nil {
			s.log.Debug("write failed, closing connection", "error", err)
			s.conn.Close()
			return
		}
	}
}

func (s *session) participantList() protocol.ParticipantListMsg {
	entries := s.srv.reg.Snapshot()
	infos := make([]protocol.ParticipantInfo, len(entries))
	for i, e := range entries {
		infos[i] = protocol.ParticipantInfo{UID: e.UID, Username: e.Username}
	}
	return protocol.ParticipantList(infos)
}

// replyDecodeError answers a malformed or oversize inbound line. An
// oversize line means framing is lost, so the connection must close; plain
// garbage gets an error reply and the session continues.
func (s *session) replyDecodeError(err error) {
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		s.protocolError("unknown_type")
		s.Enqueue(protocol.Error("unknown message type"))
	default:
		s.protocolError("malformed")
		s.Enqueue(protocol.Error("malformed"))
	}
}

// scanDone inspects the scanner's terminal error. bufio.ErrTooLong means
// the peer sent an oversize frame.
func (s *session) scanDone(err error) {
	if errors.Is(err, bufio.ErrTooLong) {
		s.protocolError("frame_too_large")
		s.Enqueue(protocol.Error("frame too large"))
	}
}

func (s *session) protocolError(reason string) {
	s.srv.metrics.ProtocolErrors.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("reason", reason)))
}

func loginReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrNameEmpty):
		return "username must not be empty"
	case errors.Is(err, registry.ErrNameTooLong):
		return "username too long"
	default:
		return "login rejected"
	}
}
