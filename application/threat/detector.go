package threat

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-sandbox/application/audit"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
)

// Action is an automatic response to a high score.
type Action string

const (
	ActionPause     Action = "pause"
	ActionTerminate Action = "terminate"
)

// Responder carries out actions against instances.
type Responder interface {
	Respond(ctx context.Context, instanceID string, action Action, f Finding) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, instanceID string, action Action, f Finding) error

func (fn ResponderFunc) Respond(ctx context.Context, instanceID string, action Action, f Finding) error {
	return fn(ctx, instanceID, action, f)
}

// Defaults for a Detector.
const (
	DefaultBuffer             = 1024
	DefaultHalfLife           = time.Minute
	DefaultPauseThreshold     = 50
	DefaultTerminateThreshold = 100
	DefaultHistory            = 256
)

// Detector consumes audit events and scores instances.
type Detector struct {
	recorder  *audit.Recorder
	rules     []Rule
	responder Responder
	clock     clock.Clock
	logger    *slog.Logger

	buffer    int
	halfLife  time.Duration
	pauseAt   float64
	terminate float64

	mu      sync.Mutex
	scores  map[string]score
	acted   map[string]Action
	history []Finding
	maxHist int

	sub  *audit.Subscription
	done chan struct{}
}

type score struct {
	value float64
	at    time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithRules replaces the default rules.
func WithRules(rules ...Rule) Option {
	return func(d *Detector) { d.rules = rules }
}

// WithResponder sets who acts on thresholds. Without one, findings are
// only recorded.
func WithResponder(r Responder) Option {
	return func(d *Detector) { d.responder = r }
}

// WithThresholds sets the scores at which an instance is paused and
// terminated.
func WithThresholds(pause, terminate float64) Option {
	return func(d *Detector) {
		d.pauseAt = pause
		d.terminate = terminate
	}
}

// WithHalfLife sets how fast scores decay.
func WithHalfLife(h time.Duration) Option {
	return func(d *Detector) { d.halfLife = h }
}

// WithBuffer sets the subscription buffer. Events beyond it are dropped
// and counted rather than delaying the recorder.
func WithBuffer(n int) Option {
	return func(d *Detector) { d.buffer = n }
}

// WithClock sets the clock used for decay.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// NewDetector returns a detector reading from recorder. Call Start to
// begin consuming events.
func NewDetector(recorder *audit.Recorder, opts ...Option) *Detector {
	d := &Detector{
		recorder:  recorder,
		clock:     clock.Real(),
		logger:    slog.Default(),
		buffer:    DefaultBuffer,
		halfLife:  DefaultHalfLife,
		pauseAt:   DefaultPauseThreshold,
		terminate: DefaultTerminateThreshold,
		scores:    make(map[string]score),
		acted:     make(map[string]Action),
		maxHist:   DefaultHistory,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.rules == nil {
		d.rules = DefaultRules(d.clock)
	}
	return d
}

// Start subscribes to the recorder and processes events until ctx ends or
// Close is called.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.sub != nil {
		d.mu.Unlock()
		return
	}
	d.sub = d.recorder.Subscribe(d.buffer)
	d.done = make(chan struct{})
	sub, done := d.sub, d.done
	d.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				d.Observe(ctx, ev)
			case <-ctx.Done():
				sub.Close()
				return
			}
		}
	}()
}

// Close stops the detector and waits for the event loop to exit.
func (d *Detector) Close() {
	d.mu.Lock()
	sub, done := d.sub, d.done
	d.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Close()
	<-done
}

// Dropped returns the number of events missed because the buffer was
// full.
func (d *Detector) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub == nil {
		return 0
	}
	return d.sub.Dropped()
}

// Observe runs every rule on ev and acts on the findings. Events the
// detector records itself are ignored.
func (d *Detector) Observe(ctx context.Context, ev entities.SecurityEvent) {
	if strings.HasPrefix(string(ev.Kind), "threat.") {
		return
	}
	for _, rule := range d.rules {
		for _, f := range rule.Evaluate(ev) {
			d.handle(ctx, f)
		}
	}
}

func (d *Detector) handle(ctx context.Context, f Finding) {
	now := d.clock.Now()

	d.mu.Lock()
	value := d.decayed(f.InstanceID, now) + f.Severity.Weight()
	if f.InstanceID != "" {
		d.scores[f.InstanceID] = score{value: value, at: now}
	}
	d.history = append(d.history, f)
	if len(d.history) > d.maxHist {
		d.history = d.history[len(d.history)-d.maxHist:]
	}
	action := d.escalate(f.InstanceID, value)
	d.mu.Unlock()

	d.logger.Warn("threat finding",
		"rule", f.Rule, "severity", f.Severity.String(), "instance", f.InstanceID,
		"score", value, "message", f.Message)
	d.record(ctx, entities.SecurityEvent{
		Kind:         entities.EventThreatFinding,
		InstanceID:   f.InstanceID,
		CapabilityID: f.CapabilityID,
		Outcome:      entities.OutcomeInfo,
		Detail: map[string]any{
			entities.DetailRule:     f.Rule,
			entities.DetailSeverity: f.Severity.String(),
			"score":                 value,
			"message":               f.Message,
			"trigger_seq":           f.Seq,
		},
	})

	if action == "" || d.responder == nil {
		return
	}
	err := d.responder.Respond(ctx, f.InstanceID, action, f)
	detail := map[string]any{
		"action":                string(action),
		entities.DetailRule:     f.Rule,
		entities.DetailSeverity: f.Severity.String(),
		"score":                 value,
	}
	outcome := entities.OutcomeInfo
	if err != nil {
		outcome = entities.OutcomeDeny
		detail["error"] = err.Error()
		d.logger.Error("threat response failed", "instance", f.InstanceID, "action", action, "error", err)
	} else {
		d.logger.Warn("threat response", "instance", f.InstanceID, "action", action)
	}
	d.record(ctx, entities.SecurityEvent{
		Kind:       entities.EventThreatResponse,
		InstanceID: f.InstanceID,
		Outcome:    outcome,
		Detail:     detail,
	})
}

// escalate returns the action due at value, at most once per level per
// instance. Callers hold d.mu.
func (d *Detector) escalate(instanceID string, value float64) Action {
	if instanceID == "" {
		return ""
	}
	prev := d.acted[instanceID]
	switch {
	case value >= d.terminate && prev != ActionTerminate:
		d.acted[instanceID] = ActionTerminate
		return ActionTerminate
	case value >= d.pauseAt && prev == "":
		d.acted[instanceID] = ActionPause
		return ActionPause
	}
	return ""
}

// decayed returns the instance score at now. Callers hold d.mu.
func (d *Detector) decayed(instanceID string, now time.Time) float64 {
	s, ok := d.scores[instanceID]
	if !ok || instanceID == "" {
		return 0
	}
	if d.halfLife <= 0 {
		return s.value
	}
	elapsed := now.Sub(s.at)
	if elapsed <= 0 {
		return s.value
	}
	return s.value * math.Pow(0.5, float64(elapsed)/float64(d.halfLife))
}

func (d *Detector) record(ctx context.Context, ev entities.SecurityEvent) {
	if _, err := d.recorder.Record(context.WithoutCancel(ctx), ev); err != nil {
		d.logger.Error("threat audit failed", "event", ev.Kind, "error", err)
	}
}

// Score returns the current decayed score of an instance.
func (d *Detector) Score(instanceID string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decayed(instanceID, d.clock.Now())
}

// Findings returns recent findings, oldest first.
func (d *Detector) Findings() []Finding {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Finding(nil), d.history...)
}

// Forget drops the state kept for an instance, for example after it is
// disposed.
func (d *Detector) Forget(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.scores, instanceID)
	delete(d.acted, instanceID)
}
