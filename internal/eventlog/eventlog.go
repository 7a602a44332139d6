// Package eventlog maintains the server's append-only event sinks: chat
// history, file transfers, and screen sharing. Each significant event is
// mirrored to its sink as one timestamped line; write failures are logged
// and never propagate to callers.
package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink file names under the log directory.
const (
	ChatFile     = "chat_history.log"
	TransferFile = "file_transfers.log"
	ScreenFile   = "screen_sharing.log"
)

// Log owns the three append-only sinks. Safe for concurrent use. A nil *Log
// is valid and discards all events, so callers never need to guard.
type Log struct {
	mu        sync.Mutex
	chat      *os.File
	transfers *os.File
	screen    *os.File
}

// Open creates dir if needed and opens the three sinks in append mode.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create %q: %w", dir, err)
	}

	l := &Log{}
	for _, s := range []struct {
		name string
		dst  **os.File
	}{
		{ChatFile, &l.chat},
		{TransferFile, &l.transfers},
		{ScreenFile, &l.screen},
	} {
		f, err := os.OpenFile(filepath.Join(dir, s.name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("eventlog: open %q: %w", s.name, err)
		}
		*s.dst = f
	}
	return l, nil
}

// Close closes all sinks. Safe on a partially opened or nil Log.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{l.chat, l.transfers, l.screen} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.chat, l.transfers, l.screen = nil, nil, nil
	return firstErr
}

// Chat records a room-wide chat message.
func (l *Log) Chat(username string, uid uint32, text string) {
	l.write(func() *os.File { return l.chat },
		fmt.Sprintf("%s (uid=%d) | %s", username, uid, text))
}

// Broadcast records a room-wide announcement.
func (l *Log) Broadcast(username string, uid uint32, text string) {
	l.write(func() *os.File { return l.chat },
		fmt.Sprintf("[BROADCAST] %s (uid=%d) | %s", username, uid, text))
}

// Unicast records a private message.
func (l *Log) Unicast(fromUsername string, fromUID uint32, toUsername string, toUID uint32, text string) {
	l.write(func() *os.File { return l.chat },
		fmt.Sprintf("[UNICAST %s->%s] %s (uid=%d) | %s", fromUsername, toUsername, fromUsername, fromUID, text))
}

// Upload records a completed file upload.
func (l *Log) Upload(filename string, size int64, uploader string, fid string) {
	l.write(func() *os.File { return l.transfers },
		fmt.Sprintf("UPLOAD | %s | USER: %s | SIZE: %d bytes | FID: %s", filename, uploader, size, fid))
}

// Download records a completed file download.
func (l *Log) Download(filename string, size int64, uploader, requester, fid string) {
	l.write(func() *os.File { return l.transfers },
		fmt.Sprintf("DOWNLOAD | %s | FROM: %s | TO: %s | SIZE: %d bytes | FID: %s", filename, uploader, requester, size, fid))
}

// TransferFailed records an upload or download that did not complete.
func (l *Log) TransferFailed(direction, filename, fid, reason string) {
	l.write(func() *os.File { return l.transfers },
		fmt.Sprintf("FAILED | %s | %s | FID: %s | REASON: %s", direction, filename, fid, reason))
}

// PresentStart records the start of a presentation.
func (l *Log) PresentStart(username string, uid uint32, topic string) {
	l.write(func() *os.File { return l.screen },
		fmt.Sprintf("START | %s (uid=%d) | Topic: %s", username, uid, topic))
}

// PresentStop records the end of a presentation.
func (l *Log) PresentStop(username string, uid uint32) {
	l.write(func() *os.File { return l.screen },
		fmt.Sprintf("STOP | %s (uid=%d)", username, uid))
}

func (l *Log) write(sink func() *os.File, line string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f := sink()
	if f == nil {
		return
	}
	if _, err := fmt.Fprintf(f, "%s | %s\n", time.Now().Format(time.RFC3339), line); err != nil {
		slog.Error("eventlog write failed", "file", f.Name(), "err", err)
	}
}
