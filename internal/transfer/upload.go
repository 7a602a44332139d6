package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// runUpload accepts exactly one connection, reads the declared byte count
// into a temp file, and atomically publishes it. Any shortfall removes the
// temp file and fails the offer.
func (b *Broker) runUpload(sess *transferSession, offer *Offer) {
	defer b.closeSession(sess)
	start := time.Now()
	deadline := start.Add(b.cfg.Timeout)

	conn, err := b.acceptOne(sess, deadline)
	if err != nil {
		st := StateFailed
		if isTimeout(err) {
			st = StateExpired
		}
		b.failUpload(offer, st, start, fmt.Sprintf("no uploader connected: %v", err))
		return
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	tmp := filepath.Join(b.cfg.UploadDir, offer.FID+".part")
	f, err := os.Create(tmp)
	if err != nil {
		b.failUpload(offer, StateFailed, start, fmt.Sprintf("create temp file: %v", err))
		return
	}

	n, err := io.CopyN(f, conn, offer.Size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil || n != offer.Size {
		os.Remove(tmp)
		b.failUpload(offer, StateFailed, start, fmt.Sprintf("short upload: got %d of %d bytes: %v", n, offer.Size, err))
		return
	}

	final := b.finalPath(offer.Filename, offer.FID)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		b.failUpload(offer, StateFailed, start, fmt.Sprintf("publish file: %v", err))
		return
	}

	// Publish only if the offer is still pending: a cancel that raced the
	// tail of the copy must win, and a failed offer never resurrects.
	b.mu.Lock()
	if offer.State != StatePendingUpload {
		b.mu.Unlock()
		os.Remove(final)
		b.log.Info("upload finished after cancel, discarded", "fid", offer.FID)
		return
	}
	offer.Path = final
	offer.State = StateAvailable
	b.mu.Unlock()

	b.events.Upload(offer.Filename, offer.Size, offer.OffererName, offer.FID)
	b.metrics.RecordTransfer(context.Background(), "upload", "ok", offer.Size, time.Since(start).Seconds())
	b.log.Info("upload complete", "fid", offer.FID, "filename", offer.Filename, "size", offer.Size)

	if b.announce != nil {
		b.announce(offer.FID, offer.Filename, offer.Size, offer.OffererUID, offer.OffererName)
	}
}

// runDownload accepts exactly one connection and streams the stored file to
// it.
func (b *Broker) runDownload(sess *transferSession, offer *Offer, requesterName string) {
	defer b.closeSession(sess)
	start := time.Now()
	deadline := start.Add(b.cfg.Timeout)

	conn, err := b.acceptOne(sess, deadline)
	if err != nil {
		b.failDownload(offer, start, fmt.Sprintf("no downloader connected: %v", err))
		return
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	b.mu.Lock()
	path := offer.Path
	b.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		b.failDownload(offer, start, fmt.Sprintf("open stored file: %v", err))
		return
	}
	defer f.Close()

	if _, err := io.Copy(conn, f); err != nil {
		b.failDownload(offer, start, fmt.Sprintf("stream file: %v", err))
		return
	}

	b.events.Download(offer.Filename, offer.Size, offer.OffererName, requesterName, offer.FID)
	b.metrics.RecordTransfer(context.Background(), "download", "ok", offer.Size, time.Since(start).Seconds())
	b.log.Info("download complete", "fid", offer.FID, "filename", offer.Filename, "requester", requesterName)
}

// acceptOne waits for a single connection until the deadline, then stops
// listening either way. The accepted connection is recorded on the session
// so a cancel can close it mid-transfer.
func (b *Broker) acceptOne(sess *transferSession, deadline time.Time) (net.Conn, error) {
	if tl, ok := sess.ln.(*net.TCPListener); ok {
		tl.SetDeadline(deadline)
	}
	conn, err := sess.ln.Accept()
	if err != nil {
		return nil, err
	}
	sess.ln.Close()

	b.mu.Lock()
	sess.conn = conn
	cancelled := false
	if offer, ok := b.offers[sess.fid]; ok && sess.direction == "upload" {
		cancelled = offer.State != StatePendingUpload
	}
	b.mu.Unlock()

	// The offer may have been cancelled between bind and accept.
	if cancelled {
		conn.Close()
		return nil, errors.New("offer cancelled")
	}
	return conn, nil
}

// failUpload marks the offer and records the failure, unless a cancel
// already failed it.
func (b *Broker) failUpload(offer *Offer, st State, start time.Time, reason string) {
	b.mu.Lock()
	if offer.State == StatePendingUpload {
		offer.State = st
	}
	st = offer.State
	b.mu.Unlock()

	b.events.TransferFailed("upload", offer.Filename, offer.FID, reason)
	b.metrics.RecordTransfer(context.Background(), "upload", string(st), 0, time.Since(start).Seconds())
	b.log.Warn("upload failed", "fid", offer.FID, "state", string(st), "reason", reason)
}

func (b *Broker) failDownload(offer *Offer, start time.Time, reason string) {
	b.events.TransferFailed("download", offer.Filename, offer.FID, reason)
	b.metrics.RecordTransfer(context.Background(), "download", "failed", 0, time.Since(start).Seconds())
	b.log.Warn("download failed", "fid", offer.FID, "reason", reason)
}

// finalPath picks the destination for a finished upload, suffixing the name
// with the fid prefix when a file of that name already exists.
func (b *Broker) finalPath(name, fid string) string {
	path := filepath.Join(b.cfg.UploadDir, name)
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(b.cfg.UploadDir, fmt.Sprintf("%s-%s%s", stem, fid[:8], ext))
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}
