package sandbox

import (
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-sandbox/application/channel"
	"github.com/reglet-dev/reglet-sandbox/application/threat"
	"github.com/reglet-dev/reglet-sandbox/application/validation"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/hostfuncs"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
)

// Defaults for a Controller.
const (
	DefaultMaxConcurrentCalls = 64
	DefaultModuleCacheSize    = 32
	DefaultResponseTimeout    = 5 * time.Second
)

type config struct {
	engines         []ports.Engine
	auditLog        ports.AuditLog
	modules         ports.ModuleStore
	clock           clock.Clock
	logger          *slog.Logger
	validator       *validation.Validator
	hostOpts        []hostfuncs.Option
	threat          bool
	threatOpts      []threat.Option
	maxCalls        int
	cacheSize       int
	codec           channel.Codec
	pipeBuffer      int
	streams         *channel.StreamConfig
	risk            entities.RiskAnalyzer
	checkExports    bool
	responseTimeout time.Duration
	wasmCacheDir    string
}

func defaultConfig() config {
	return config{
		clock:           clock.Real(),
		threat:          true,
		maxCalls:        DefaultMaxConcurrentCalls,
		cacheSize:       DefaultModuleCacheSize,
		codec:           channel.JSON,
		pipeBuffer:      channel.DefaultPipeBuffer,
		checkExports:    true,
		responseTimeout: DefaultResponseTimeout,
	}
}

// Option configures a Controller.
type Option func(*config)

// WithEngines replaces the default engines (native and wazero).
func WithEngines(engines ...ports.Engine) Option {
	return func(c *config) {
		c.engines = append(c.engines, engines...)
	}
}

// WithAuditLog sets where security events are persisted. The default
// keeps them in memory.
func WithAuditLog(log ports.AuditLog) Option {
	return func(c *config) {
		c.auditLog = log
	}
}

// WithModuleStore persists loaded modules so they can be reloaded by ID
// after a restart.
func WithModuleStore(s ports.ModuleStore) Option {
	return func(c *config) {
		c.modules = s
	}
}

// WithClock sets the clock shared by every component.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithValidator sets the schema validator for limits and capability specs.
func WithValidator(v *validation.Validator) Option {
	return func(c *config) {
		c.validator = v
	}
}

// WithHostOptions configures the host function set.
func WithHostOptions(opts ...hostfuncs.Option) Option {
	return func(c *config) {
		c.hostOpts = append(c.hostOpts, opts...)
	}
}

// WithThreatDetection configures the threat detector.
func WithThreatDetection(opts ...threat.Option) Option {
	return func(c *config) {
		c.threat = true
		c.threatOpts = append(c.threatOpts, opts...)
	}
}

// WithoutThreatDetection disables the threat detector.
func WithoutThreatDetection() Option {
	return func(c *config) {
		c.threat = false
	}
}

// WithMaxConcurrentCalls caps calls in flight across all instances.
func WithMaxConcurrentCalls(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxCalls = n
		}
	}
}

// WithModuleCacheSize sets how many unreferenced compiled modules stay
// cached.
func WithModuleCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// WithCodec sets the codec of instance channels.
func WithCodec(codec channel.Codec) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithPipeBuffer sets the message buffer of instance channels.
func WithPipeBuffer(n int) Option {
	return func(c *config) {
		c.pipeBuffer = n
	}
}

// WithStreams attaches chunked streams to both ends of every instance
// channel. Call params and results larger than one chunk then travel as a
// stream with flow control instead of a single message.
func WithStreams(cfg channel.StreamConfig) Option {
	return func(c *config) {
		c.streams = &cfg
	}
}

// WithRiskAnalyzer sets the analyzer consulted when capabilities are
// granted.
func WithRiskAnalyzer(a entities.RiskAnalyzer) Option {
	return func(c *config) {
		c.risk = a
	}
}

// WithCheckExports controls whether calls to functions a module does not
// export are rejected before reaching the engine.
func WithCheckExports(check bool) Option {
	return func(c *config) {
		c.checkExports = check
	}
}

// WithResponseTimeout bounds automatic threat responses.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// WithCompilationCacheDir enables wazero's on-disk compilation cache for
// the default engines.
func WithCompilationCacheDir(dir string) Option {
	return func(c *config) {
		c.wasmCacheDir = dir
	}
}
