package audit

import (
	"context"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

var _ ports.AuditLog = (*MemoryLog)(nil)

// MemoryLog is an unbounded in-process audit log.
type MemoryLog struct {
	mu     sync.RWMutex
	events []entities.SecurityEvent
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append assigns ev the next sequence number, starting at 1.
func (l *MemoryLog) Append(_ context.Context, ev *entities.SecurityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.Seq = uint64(len(l.events)) + 1
	l.events = append(l.events, cloneEvent(*ev))
	return nil
}

func (l *MemoryLog) Read(_ context.Context, from uint64, n int) ([]entities.SecurityEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	start := int(from - 1)
	if start >= len(l.events) || n <= 0 {
		return nil, nil
	}
	end := min(start+n, len(l.events))
	out := make([]entities.SecurityEvent, 0, end-start)
	for _, ev := range l.events[start:end] {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }

func cloneEvent(ev entities.SecurityEvent) entities.SecurityEvent {
	if ev.Detail != nil {
		detail := make(map[string]any, len(ev.Detail))
		for k, v := range ev.Detail {
			detail[k] = v
		}
		ev.Detail = detail
	}
	return ev
}
