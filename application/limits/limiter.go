// Package limits enforces per-instance resource ceilings: linear memory,
// fuel, wall-clock time per call, and open handles and connections.
package limits

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reglet-dev/reglet-sandbox/application/audit"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
)

var _ ports.Meter = (*Limiter)(nil)

// errWallClock is the cancellation cause when a call outlives MaxWallClock.
var errWallClock = errors.New("wall-clock limit reached")

// DefaultTimelineSize is the number of snapshots kept by Record.
const DefaultTimelineSize = 128

// Limiter tracks one instance's consumption against its ResourceLimits.
// All counters are lock-free so Snapshot never waits for a running call.
type Limiter struct {
	limits     entities.ResourceLimits
	instanceID string
	clock      clock.Clock
	recorder   *audit.Recorder
	logger     *slog.Logger
	state      func() entities.State

	memory       atomic.Uint64
	fuelConsumed atomic.Uint64
	// fuelBudget is MaxFuel plus every refill.
	fuelBudget  atomic.Uint64
	calls       atomic.Uint64
	wallClock   atomic.Int64
	handles     atomic.Int64
	connections atomic.Int64

	// cause is the interrupt cause for the current call, "" when clear.
	cause atomic.Pointer[string]
	// rejectedGrowth is the largest memory size refused during the
	// current call, zero if none.
	rejectedGrowth atomic.Uint64

	callMu     sync.Mutex
	cancelCall context.CancelCauseFunc

	timelineMu sync.Mutex
	timeline   []entities.UsageSnapshot
	next       int
	full       bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithRecorder sets the audit recorder for denial events.
func WithRecorder(r *audit.Recorder) Option {
	return func(l *Limiter) {
		l.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithStateFunc supplies the lifecycle state reported in snapshots.
func WithStateFunc(f func() entities.State) Option {
	return func(l *Limiter) {
		l.state = f
	}
}

// WithTimelineSize sets the capacity of the usage timeline.
func WithTimelineSize(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.timeline = make([]entities.UsageSnapshot, n)
		}
	}
}

// New creates a Limiter bound to limits for the lifetime of an instance.
func New(instanceID string, limits entities.ResourceLimits, opts ...Option) (*Limiter, error) {
	if err := Validate(limits); err != nil {
		return nil, err
	}
	l := &Limiter{
		limits:     limits,
		instanceID: instanceID,
		timeline:   make([]entities.UsageSnapshot, DefaultTimelineSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.recorder == nil {
		l.recorder = audit.NewRecorder(audit.WithClock(l.clock), audit.WithLogger(l.logger))
	}
	if l.state == nil {
		l.state = func() entities.State { return entities.StateRunning }
	}
	l.fuelBudget.Store(limits.MaxFuel)
	return l, nil
}

// Validate checks limits for values no instance can run under.
func Validate(limits entities.ResourceLimits) error {
	switch {
	case limits.MaxWallClock < 0:
		return &entities.ConfigurationError{Field: "max_wall_clock", Reason: "must not be negative"}
	case limits.MaxHandles < 0:
		return &entities.ConfigurationError{Field: "max_handles", Reason: "must not be negative"}
	case limits.MaxConnections < 0:
		return &entities.ConfigurationError{Field: "max_connections", Reason: "must not be negative"}
	case limits.MaxMemoryBytes > 0 && limits.MaxMemoryBytes < 64*1024:
		return &entities.ConfigurationError{Field: "max_memory_bytes", Reason: "must be at least one 64 KiB page"}
	}
	return nil
}

// BindState sets the state reported in snapshots. It must be called before
// the limiter is shared.
func (l *Limiter) BindState(f func() entities.State) {
	if f != nil {
		l.state = f
	}
}

// Limits returns the bound limits.
func (l *Limiter) Limits() entities.ResourceLimits {
	return l.limits
}

// AllowGrowth admits linear memory growth up to MaxMemoryBytes. A refused
// growth is recorded and reported by RejectedGrowth; the guest sees a
// failed allocation rather than a trap.
func (l *Limiter) AllowGrowth(newSize uint64) bool {
	if l.limits.MaxMemoryBytes > 0 && newSize > l.limits.MaxMemoryBytes {
		for {
			prev := l.rejectedGrowth.Load()
			if newSize <= prev || l.rejectedGrowth.CompareAndSwap(prev, newSize) {
				break
			}
		}
		l.emit(entities.SecurityEvent{
			Kind:    entities.EventResourceMemory,
			Outcome: entities.OutcomeDeny,
			Detail: map[string]any{
				entities.DetailLimit: l.limits.MaxMemoryBytes,
				entities.DetailUsed:  newSize,
			},
		})
		return false
	}
	l.memory.Store(newSize)
	return true
}

// SetMemory records the engine-reported linear memory size.
func (l *Limiter) SetMemory(size uint64) {
	l.memory.Store(size)
}

// RejectedGrowth returns the largest refused memory size of the current
// call.
func (l *Limiter) RejectedGrowth() (uint64, bool) {
	v := l.rejectedGrowth.Load()
	return v, v > 0
}

// Consume charges n fuel units. Consumption is clamped at the budget: the
// charge that would cross it sets consumed equal to the budget, raises the
// fuel interrupt and returns ResourceExhausted.
func (l *Limiter) Consume(n uint64) error {
	if l.limits.MaxFuel == 0 {
		l.fuelConsumed.Add(n)
		return nil
	}
	for {
		used := l.fuelConsumed.Load()
		budget := l.fuelBudget.Load()
		if used >= budget {
			l.interrupt(entities.CauseFuel)
			return l.fuelExhausted()
		}
		if n <= budget-used {
			if l.fuelConsumed.CompareAndSwap(used, used+n) {
				return nil
			}
			continue
		}
		if l.fuelConsumed.CompareAndSwap(used, budget) {
			l.interrupt(entities.CauseFuel)
			return l.fuelExhausted()
		}
	}
}

func (l *Limiter) fuelExhausted() error {
	budget := l.fuelBudget.Load()
	return &entities.ResourceExhausted{Resource: entities.ResourceFuel, Limit: budget, Used: l.fuelConsumed.Load()}
}

// Refill adds n fuel units to the budget and clears a pending fuel
// interrupt. It is a no-op for instances without a fuel limit.
func (l *Limiter) Refill(n uint64) {
	if l.limits.MaxFuel == 0 {
		return
	}
	l.fuelBudget.Add(n)
	if c := l.cause.Load(); c != nil && *c == entities.CauseFuel {
		l.cause.CompareAndSwap(c, nil)
	}
}

// FuelRemaining returns the unspent budget, or zero when fuel is unlimited.
func (l *Limiter) FuelRemaining() uint64 {
	if l.limits.MaxFuel == 0 {
		return 0
	}
	budget := l.fuelBudget.Load()
	used := l.fuelConsumed.Load()
	if used >= budget {
		return 0
	}
	return budget - used
}

// Arm prepares a call: it clears per-call state, counts the call, and
// returns a context that is cancelled when MaxWallClock elapses, when the
// caller's context ends, or when fuel runs out. done must be called when
// the call returns; it reports the call's wall-clock duration.
func (l *Limiter) Arm(parent context.Context) (ctx context.Context, done func() time.Duration) {
	l.cause.Store(nil)
	l.rejectedGrowth.Store(0)
	l.calls.Add(1)

	start := l.clock.Now()
	ctx, cancel := context.WithCancelCause(parent)
	l.callMu.Lock()
	l.cancelCall = cancel
	l.callMu.Unlock()
	// An interrupt raised while arming found no call to cancel.
	if c := l.cause.Load(); c != nil {
		cancel(causeError(*c))
	}

	var timer *clock.Timer
	if l.limits.MaxWallClock > 0 {
		timer = l.clock.AfterFunc(l.limits.MaxWallClock, func() {
			l.interrupt(entities.CauseWallClock)
		})
	}
	stopWatch := context.AfterFunc(parent, func() {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			l.interrupt(entities.CauseTimeout)
			return
		}
		l.interrupt(entities.CauseCaller)
	})

	// Fuel may already be exhausted from a previous call.
	if l.limits.MaxFuel > 0 && l.fuelConsumed.Load() >= l.fuelBudget.Load() {
		l.interrupt(entities.CauseFuel)
	}

	return ctx, func() time.Duration {
		if timer != nil {
			timer.Stop()
		}
		stopWatch()
		l.callMu.Lock()
		l.cancelCall = nil
		l.callMu.Unlock()
		cancel(nil)
		elapsed := l.clock.Since(start)
		l.wallClock.Add(int64(elapsed))
		return elapsed
	}
}

// interrupt sets the cooperative interrupt flag (first cause wins) and
// cancels the current call's context.
func (l *Limiter) interrupt(cause string) {
	l.cause.CompareAndSwap(nil, &cause)
	l.callMu.Lock()
	cancel := l.cancelCall
	l.callMu.Unlock()
	if cancel != nil {
		cancel(causeError(cause))
	}
}

// Cancel interrupts the current call on behalf of the host.
func (l *Limiter) Cancel() {
	l.interrupt(entities.CauseCaller)
}

func causeError(cause string) error {
	switch cause {
	case entities.CauseWallClock:
		return errWallClock
	case entities.CauseFuel:
		return entities.ErrResourceExhausted
	case entities.CauseTimeout:
		return context.DeadlineExceeded
	default:
		return context.Canceled
	}
}

// Interrupted returns the typed reason execution must stop, or nil.
func (l *Limiter) Interrupted() error {
	c := l.cause.Load()
	if c == nil {
		return nil
	}
	switch *c {
	case entities.CauseFuel:
		return l.fuelExhausted()
	case entities.CauseWallClock:
		return &entities.ResourceExhausted{
			Resource: entities.ResourceWallClock,
			Limit:    uint64(l.limits.MaxWallClock),
			Used:     uint64(l.limits.MaxWallClock),
		}
	default:
		return &entities.Cancelled{Cause: *c}
	}
}

// Cause returns the current interrupt cause, "" when none.
func (l *Limiter) Cause() string {
	if c := l.cause.Load(); c != nil {
		return *c
	}
	return ""
}

// Acquire takes one handle or connection. Acquisitions beyond the ceiling
// are rejected with ResourceExhausted and recorded.
func (l *Limiter) Acquire(ctx context.Context, r entities.Resource) error {
	counter, limit := l.counter(r)
	if counter == nil {
		return &entities.ConfigurationError{Field: "resource", Reason: "cannot acquire " + string(r)}
	}
	for {
		cur := counter.Load()
		if limit > 0 && cur >= int64(limit) {
			l.emitCtx(ctx, entities.SecurityEvent{
				Kind:    entities.ResourceEventKind(r),
				Outcome: entities.OutcomeDeny,
				Detail: map[string]any{
					entities.DetailLimit: limit,
					entities.DetailUsed:  cur,
				},
			})
			return &entities.ResourceExhausted{Resource: r, Limit: uint64(limit), Used: uint64(cur)}
		}
		if counter.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release returns one handle or connection.
func (l *Limiter) Release(r entities.Resource) {
	counter, _ := l.counter(r)
	if counter == nil {
		return
	}
	for {
		cur := counter.Load()
		if cur <= 0 || counter.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (l *Limiter) counter(r entities.Resource) (*atomic.Int64, int) {
	switch r {
	case entities.ResourceHandles:
		return &l.handles, l.limits.MaxHandles
	case entities.ResourceConnections:
		return &l.connections, l.limits.MaxConnections
	}
	return nil, 0
}

// Snapshot returns current usage without pausing execution.
func (l *Limiter) Snapshot() entities.UsageSnapshot {
	return entities.UsageSnapshot{
		Taken:         l.clock.Now(),
		State:         l.state(),
		MemoryBytes:   l.memory.Load(),
		FuelConsumed:  l.fuelConsumed.Load(),
		FuelRemaining: l.FuelRemaining(),
		WallClock:     time.Duration(l.wallClock.Load()),
		Calls:         l.calls.Load(),
		Handles:       int(l.handles.Load()),
		Connections:   int(l.connections.Load()),
	}
}

// Record appends a snapshot to the bounded timeline, overwriting the
// oldest entry when full.
func (l *Limiter) Record() entities.UsageSnapshot {
	snap := l.Snapshot()
	l.timelineMu.Lock()
	defer l.timelineMu.Unlock()
	l.timeline[l.next] = snap
	l.next = (l.next + 1) % len(l.timeline)
	if l.next == 0 {
		l.full = true
	}
	return snap
}

// Timeline returns recorded snapshots, oldest first.
func (l *Limiter) Timeline() []entities.UsageSnapshot {
	l.timelineMu.Lock()
	defer l.timelineMu.Unlock()
	if !l.full {
		return append([]entities.UsageSnapshot(nil), l.timeline[:l.next]...)
	}
	out := make([]entities.UsageSnapshot, 0, len(l.timeline))
	out = append(out, l.timeline[l.next:]...)
	return append(out, l.timeline[:l.next]...)
}

func (l *Limiter) emit(ev entities.SecurityEvent) {
	l.emitCtx(context.Background(), ev)
}

func (l *Limiter) emitCtx(ctx context.Context, ev entities.SecurityEvent) {
	ev.InstanceID = l.instanceID
	if _, err := l.recorder.Record(ctx, ev); err != nil {
		l.logger.Error("limit audit failed", "instance", l.instanceID, "event", ev.Kind, "error", err)
	}
}
