// Package capability implements the capability store: grant, check,
// delegate and revoke, with every decision appended to the audit log.
package capability

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/reglet-dev/reglet-sandbox/application/audit"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
)

const shardCount = 32

// Store holds capability records, their mutable counters and the
// delegation graph. Checks on unrelated capabilities never contend: each
// record has its own lock inside a sharded map.
type Store struct {
	clock    clock.Clock
	recorder *audit.Recorder
	logger   *slog.Logger
	risk     entities.RiskAnalyzer

	shards [shardCount]shard

	// edgesMu guards children and serializes revocation against
	// delegation so no child escapes a cascading revoke.
	edgesMu  sync.RWMutex
	children map[entities.CapabilityID][]entities.CapabilityID
}

type shard struct {
	mu      sync.RWMutex
	entries map[entities.CapabilityID]*entry
}

type entry struct {
	capability *entities.Capability
	revoked    atomic.Bool

	mu   sync.Mutex
	uses uint64
	// window holds the times of recent uses for rate limiting.
	window []time.Time
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	clock    clock.Clock
	recorder *audit.Recorder
	logger   *slog.Logger
	risk     entities.RiskAnalyzer
}

// WithClock sets the clock used for validity windows and rate limits.
func WithClock(c clock.Clock) StoreOption {
	return func(cfg *storeConfig) {
		cfg.clock = c
	}
}

// WithRecorder sets the audit recorder. Defaults to a recorder over an
// in-memory log.
func WithRecorder(r *audit.Recorder) StoreOption {
	return func(cfg *storeConfig) {
		cfg.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(cfg *storeConfig) {
		cfg.logger = logger
	}
}

// WithRiskAnalyzer sets the analyzer consulted on grant.
func WithRiskAnalyzer(a entities.RiskAnalyzer) StoreOption {
	return func(cfg *storeConfig) {
		cfg.risk = a
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	cfg := storeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clock.Real()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.recorder == nil {
		cfg.recorder = audit.NewRecorder(audit.WithClock(cfg.clock), audit.WithLogger(cfg.logger))
	}
	if cfg.risk == nil {
		cfg.risk = entities.NewSimpleRiskAnalyzer()
	}

	s := &Store{
		clock:    cfg.clock,
		recorder: cfg.recorder,
		logger:   cfg.logger,
		risk:     cfg.risk,
		children: make(map[entities.CapabilityID][]entities.CapabilityID),
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[entities.CapabilityID]*entry)
	}
	return s
}

// Recorder returns the audit recorder the store writes to.
func (s *Store) Recorder() *audit.Recorder {
	return s.recorder
}

func (s *Store) shardFor(id entities.CapabilityID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) lookup(id entities.CapabilityID) *entry {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entries[id]
}

func (s *Store) insert(c *entities.Capability) {
	sh := s.shardFor(c.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[c.ID] = &entry{capability: c}
}

func newID() entities.CapabilityID {
	return entities.CapabilityID(uuid.NewString())
}

// Get returns a copy of the capability record. Revoked capabilities are
// still returned; use Effective for the usable permission set.
func (s *Store) Get(id entities.CapabilityID) (entities.Capability, error) {
	e := s.lookup(id)
	if e == nil {
		return entities.Capability{}, &entities.NotFound{What: "capability", ID: string(id)}
	}
	return *e.capability, nil
}

// Effective returns the permissions currently usable through id. It is
// empty once the capability is revoked.
func (s *Store) Effective(id entities.CapabilityID) []entities.Permission {
	e := s.lookup(id)
	if e == nil || e.revoked.Load() {
		return nil
	}
	return e.capability.Permissions
}

// IsRevoked reports whether id has been revoked.
func (s *Store) IsRevoked(id entities.CapabilityID) bool {
	e := s.lookup(id)
	return e != nil && e.revoked.Load()
}

// Children returns the capabilities delegated directly from id.
func (s *Store) Children(id entities.CapabilityID) []entities.CapabilityID {
	s.edgesMu.RLock()
	defer s.edgesMu.RUnlock()
	return append([]entities.CapabilityID(nil), s.children[id]...)
}

func (s *Store) record(ctx context.Context, ev entities.SecurityEvent) {
	if ev.InstanceID == "" {
		ev.InstanceID, _ = InstanceFromContext(ctx)
	}
	if _, err := s.recorder.Record(ctx, ev); err != nil {
		s.logger.Error("capability audit failed", "capability", ev.CapabilityID, "event", ev.Kind, "error", err)
	}
}
