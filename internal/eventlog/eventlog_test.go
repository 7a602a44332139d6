package eventlog_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/huddle/internal/eventlog"
)

func TestOpen_CreatesSinks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := eventlog.Open(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer l.Close()

	for _, name := range []string{eventlog.ChatFile, eventlog.TransferFile, eventlog.ScreenFile} {
		if _, err := os.Stat(filepath.Join(dir, "logs", name)); err != nil {
			t.Errorf("sink %s not created: %v", name, err)
		}
	}
}

func TestLog_RoutesToSinks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := eventlog.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	l.Chat("alice", 1, "hello")
	l.Broadcast("alice", 1, "heads up")
	l.Unicast("alice", 1, "bob", 2, "psst")
	l.Upload("report.pdf", 1024, "alice", "fid-1")
	l.Download("report.pdf", 1024, "alice", "bob", "fid-1")
	l.TransferFailed("upload", "big.bin", "fid-2", "deadline expired")
	l.PresentStart("alice", 1, "roadmap")
	l.PresentStop("alice", 1)

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	chat := readFile(t, filepath.Join(dir, eventlog.ChatFile))
	for _, want := range []string{"alice (uid=1) | hello", "[BROADCAST]", "[UNICAST alice->bob]"} {
		if !strings.Contains(chat, want) {
			t.Errorf("chat sink missing %q:\n%s", want, chat)
		}
	}

	transfers := readFile(t, filepath.Join(dir, eventlog.TransferFile))
	for _, want := range []string{"UPLOAD | report.pdf", "DOWNLOAD | report.pdf", "FAILED | upload | big.bin"} {
		if !strings.Contains(transfers, want) {
			t.Errorf("transfer sink missing %q:\n%s", want, transfers)
		}
	}

	screen := readFile(t, filepath.Join(dir, eventlog.ScreenFile))
	for _, want := range []string{"START | alice (uid=1) | Topic: roadmap", "STOP | alice (uid=1)"} {
		if !strings.Contains(screen, want) {
			t.Errorf("screen sink missing %q:\n%s", want, screen)
		}
	}
}

func TestLog_NilIsSafe(t *testing.T) {
	t.Parallel()

	var l *eventlog.Log
	l.Chat("a", 1, "x")
	l.Upload("f", 1, "a", "fid")
	if err := l.Close(); err != nil {
		t.Errorf("nil Close() error: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}
