package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/codec"
)

var _ ports.AuditLog = (*FileAuditLog)(nil)

// FileAuditLog is an append-only audit log stored as a CBOR sequence
// (RFC 8742), one item per event. Offsets are kept in memory so reads
// seek directly to a sequence number.
type FileAuditLog struct {
	mu      sync.Mutex
	f       *os.File
	offsets []int64
	end     int64
	logger  *slog.Logger
	closed  bool
}

// AuditLogOption configures a FileAuditLog.
type AuditLogOption func(*FileAuditLog)

// WithAuditLogger sets the logger.
func WithAuditLogger(logger *slog.Logger) AuditLogOption {
	return func(l *FileAuditLog) {
		l.logger = logger
	}
}

// OpenAuditLog opens or creates the log at path. A torn record at the end
// of the file, left by a crash mid-append, is truncated away.
func OpenAuditLog(path string, opts ...AuditLogOption) (*FileAuditLog, error) {
	l := &FileAuditLog{logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	l.f = f
	if err := l.scan(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileAuditLog) scan() error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	dec := codec.NewDecoder(bufio.NewReader(l.f))
	var offset int64
	for {
		var raw codec.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			l.logger.Warn("truncating torn audit record", "offset", offset, "error", err)
			if err := l.f.Truncate(offset); err != nil {
				return fmt.Errorf("truncating audit log: %w", err)
			}
			break
		}
		var ev entities.SecurityEvent
		if err := codec.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("audit record at offset %d: %w", offset, err)
		}
		if ev.Seq != uint64(len(l.offsets))+1 {
			return fmt.Errorf("audit record at offset %d has seq %d, expected %d", offset, ev.Seq, len(l.offsets)+1)
		}
		l.offsets = append(l.offsets, offset)
		offset += int64(len(raw))
	}
	l.end = offset
	return nil
}

// Append assigns ev the next sequence number and writes it.
func (l *FileAuditLog) Append(_ context.Context, ev *entities.SecurityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return os.ErrClosed
	}
	seq := uint64(len(l.offsets)) + 1
	rec := *ev
	rec.Seq = seq
	data, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	if _, err := l.f.WriteAt(data, l.end); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	l.offsets = append(l.offsets, l.end)
	l.end += int64(len(data))
	ev.Seq = seq
	return nil
}

// Read returns up to n events starting at sequence number from.
func (l *FileAuditLog) Read(_ context.Context, from uint64, n int) ([]entities.SecurityEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, os.ErrClosed
	}
	if from == 0 {
		from = 1
	}
	start := int(from - 1)
	if start >= len(l.offsets) || n <= 0 {
		return nil, nil
	}
	end := min(start+n, len(l.offsets))
	stop := l.end
	if end < len(l.offsets) {
		stop = l.offsets[end]
	}
	buf := make([]byte, stop-l.offsets[start])
	if _, err := l.f.ReadAt(buf, l.offsets[start]); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	dec := codec.NewDecoder(bytes.NewReader(buf))
	out := make([]entities.SecurityEvent, 0, end-start)
	for range end - start {
		var ev entities.SecurityEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("decoding audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Len returns the number of stored events.
func (l *FileAuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.offsets)
}

// Close syncs and closes the file.
func (l *FileAuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
