// Package audit appends security and resource events to the audit log and
// fans them out to asynchronous subscribers such as the threat detector.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
)

// Recorder is the single writer of the audit log.
type Recorder struct {
	log    ports.AuditLog
	clock  clock.Clock
	logger *slog.Logger

	// mu orders append and fan-out so subscribers observe Seq order.
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*recorderConfig)

type recorderConfig struct {
	log    ports.AuditLog
	clock  clock.Clock
	logger *slog.Logger
}

// WithLog sets the backing audit log. Defaults to an in-memory log.
func WithLog(log ports.AuditLog) RecorderOption {
	return func(c *recorderConfig) {
		c.log = log
	}
}

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.Clock) RecorderOption {
	return func(cfg *recorderConfig) {
		cfg.clock = c
	}
}

// WithLogger sets the logger used for append failures.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(c *recorderConfig) {
		c.logger = logger
	}
}

// NewRecorder creates a Recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	cfg := recorderConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = NewMemoryLog()
	}
	if cfg.clock == nil {
		cfg.clock = clock.Real()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Recorder{
		log:    cfg.log,
		clock:  cfg.clock,
		logger: cfg.logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// Record timestamps ev, appends it and delivers it to subscribers without
// blocking. The returned event carries its assigned sequence number.
func (r *Recorder) Record(ctx context.Context, ev entities.SecurityEvent) (entities.SecurityEvent, error) {
	if ev.Time.IsZero() {
		ev.Time = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.log.Append(ctx, &ev); err != nil {
		r.logger.Error("audit append failed", "event", ev.Kind, "error", err)
		return ev, fmt.Errorf("append %s: %w", ev.Kind, err)
	}
	for _, sub := range r.subs {
		sub.deliver(ev)
	}
	return ev, nil
}

// Read returns up to n events starting at sequence number from.
func (r *Recorder) Read(ctx context.Context, from uint64, n int) ([]entities.SecurityEvent, error) {
	return r.log.Read(ctx, from, n)
}

// Subscribe registers a subscriber with a buffer of the given size. Events
// that do not fit are dropped and counted.
func (r *Recorder) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan entities.SecurityEvent, buffer)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{C: ch, ch: ch, id: r.nextID, recorder: r}
	r.subs[sub.id] = sub
	return sub
}

// Close closes every subscription and the backing log.
func (r *Recorder) Close() error {
	r.mu.Lock()
	for id, sub := range r.subs {
		delete(r.subs, id)
		close(sub.ch)
	}
	r.mu.Unlock()
	return r.log.Close()
}

// Subscription receives recorded events on C.
type Subscription struct {
	C        <-chan entities.SecurityEvent
	ch       chan entities.SecurityEvent
	id       uint64
	recorder *Recorder
	dropped  atomic.Uint64
}

func (s *Subscription) deliver(ev entities.SecurityEvent) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events lost because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	r := s.recorder
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s.id]; ok {
		delete(r.subs, s.id)
		close(s.ch)
	}
}
