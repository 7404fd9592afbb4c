// Package config loads the host configuration file. Files ending in .json
// or .jsonc are JSON with comments and trailing commas; anything else is
// YAML. Both decode into the same Config with unknown keys rejected.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-sandbox/application/capability"
	"github.com/reglet-dev/reglet-sandbox/application/channel"
	"github.com/reglet-dev/reglet-sandbox/application/limits"
	"github.com/reglet-dev/reglet-sandbox/application/sandbox"
	"github.com/reglet-dev/reglet-sandbox/application/threat"
	"github.com/reglet-dev/reglet-sandbox/application/validation"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/hostfuncs"
	"github.com/reglet-dev/reglet-sandbox/infrastructure/store"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the host configuration.
type Config struct {
	LogLevel string `yaml:"log_level,omitempty"`
	// Codec is the instance channel codec: json or cbor.
	Codec              string `yaml:"codec,omitempty"`
	MaxConcurrentCalls int    `yaml:"max_concurrent_calls,omitempty"`
	// Streams enables chunked streams on instance channels. Nil leaves
	// them off.
	Streams *channel.StreamConfig `yaml:"streams,omitempty"`

	Modules ModulesConfig `yaml:"modules,omitempty"`
	Audit   AuditConfig   `yaml:"audit,omitempty"`
	Threat  ThreatConfig  `yaml:"threat,omitempty"`
	Host    HostConfig    `yaml:"host,omitempty"`

	// Limits are the defaults for instances created without explicit
	// limits.
	Limits entities.ResourceLimits `yaml:"limits,omitempty"`

	// Capabilities are granted at startup, parents before children.
	Capabilities []NamedCapability `yaml:"capabilities,omitempty"`
}

// ModulesConfig configures module caching and persistence.
type ModulesConfig struct {
	CacheSize int `yaml:"cache_size,omitempty"`
	// Dir persists modules by hash. Empty keeps them in memory only.
	Dir         string `yaml:"dir,omitempty"`
	Compression string `yaml:"compression,omitempty"`
	// CompilationCacheDir is wazero's on-disk compilation cache.
	CompilationCacheDir string `yaml:"compilation_cache_dir,omitempty"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	// Path is the CBOR audit log file. Empty keeps events in memory.
	Path string `yaml:"path,omitempty"`
}

// ThreatConfig configures the threat detector.
type ThreatConfig struct {
	Disabled           bool          `yaml:"disabled,omitempty"`
	PauseThreshold     float64       `yaml:"pause_threshold,omitempty"`
	TerminateThreshold float64       `yaml:"terminate_threshold,omitempty"`
	HalfLife           time.Duration `yaml:"half_life,omitempty"`
}

// HostConfig configures host functions.
type HostConfig struct {
	MaxFileSize int64 `yaml:"max_file_size,omitempty"`
	// AllowPrivateNetworks lets guests reach private and loopback
	// addresses their capabilities name.
	AllowPrivateNetworks bool          `yaml:"allow_private_networks,omitempty"`
	HTTPTimeout          time.Duration `yaml:"http_timeout,omitempty"`
	HTTPMaxBodySize      int64         `yaml:"http_max_body_size,omitempty"`
}

// NamedCapability is a capability grant referenced by name. With Parent
// set it is delegated from the named capability instead of granted.
type NamedCapability struct {
	Name            string `yaml:"name"`
	Parent          string `yaml:"parent,omitempty"`
	capability.Spec `yaml:",inline"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:           "info",
		Codec:              channel.CodecJSON,
		MaxConcurrentCalls: sandbox.DefaultMaxConcurrentCalls,
		Modules: ModulesConfig{
			CacheSize:   sandbox.DefaultModuleCacheSize,
			Compression: store.CompressionZstd.String(),
		},
		Threat: ThreatConfig{
			PauseThreshold:     threat.DefaultPauseThreshold,
			TerminateThreshold: threat.DefaultTerminateThreshold,
			HalfLife:           threat.DefaultHalfLife,
		},
		Host: HostConfig{MaxFileSize: hostfuncs.DefaultMaxFileSize},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Format is a configuration file syntax.
type Format int

const (
	FormatYAML Format = iota
	FormatJSONC
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSONC
	}
	return FormatYAML
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	if format == FormatJSONC {
		// JSON is YAML; one decoder keeps duration and unknown-key handling
		// identical for both syntaxes.
		data = jsonc.ToJSON(data)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &entities.ConfigurationError{Field: "config", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the decoder cannot.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := channel.CodecByName(c.Codec); err != nil {
		return &entities.ConfigurationError{Field: "codec", Reason: err.Error()}
	}
	if c.Streams != nil {
		if err := c.Streams.Validate(); err != nil {
			var cfgErr *entities.ConfigurationError
			if errors.As(err, &cfgErr) {
				return &entities.ConfigurationError{Field: "streams." + cfgErr.Field, Reason: cfgErr.Reason}
			}
			return err
		}
	}
	if c.MaxConcurrentCalls < 0 {
		return &entities.ConfigurationError{Field: "max_concurrent_calls", Reason: "must not be negative"}
	}
	if c.Modules.CacheSize < 0 {
		return &entities.ConfigurationError{Field: "modules.cache_size", Reason: "must not be negative"}
	}
	if _, err := store.ParseCompression(c.Modules.Compression); err != nil {
		return &entities.ConfigurationError{Field: "modules.compression", Reason: err.Error()}
	}
	if c.Threat.PauseThreshold <= 0 || c.Threat.TerminateThreshold < c.Threat.PauseThreshold {
		return &entities.ConfigurationError{Field: "threat", Reason: "thresholds must be positive with terminate >= pause"}
	}
	if c.Threat.HalfLife <= 0 {
		return &entities.ConfigurationError{Field: "threat.half_life", Reason: "must be positive"}
	}
	if err := limits.Validate(c.Limits); err != nil {
		return err
	}

	v, err := validation.New()
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(c.Capabilities))
	for i, nc := range c.Capabilities {
		field := fmt.Sprintf("capabilities[%d]", i)
		if nc.Name == "" {
			return &entities.ConfigurationError{Field: field + ".name", Reason: "required"}
		}
		if names[nc.Name] {
			return &entities.ConfigurationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate capability %q", nc.Name)}
		}
		if nc.Parent != "" && !names[nc.Parent] {
			return &entities.ConfigurationError{Field: field + ".parent", Reason: fmt.Sprintf("parent %q must be declared earlier", nc.Parent)}
		}
		if err := v.ValidateSpec(nc.Spec); err != nil {
			var cfgErr *entities.ConfigurationError
			if errors.As(err, &cfgErr) {
				return &entities.ConfigurationError{Field: field + "." + cfgErr.Field, Reason: cfgErr.Reason}
			}
			return err
		}
		names[nc.Name] = true
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, &entities.ConfigurationError{Field: "log_level", Reason: err.Error()}
	}
	return level, nil
}

// Logger returns a JSON logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Options translates the configuration into controller options. Stores it
// opens are closed by the controller.
func (c *Config) Options(logger *slog.Logger) ([]sandbox.Option, error) {
	codec, err := channel.CodecByName(c.Codec)
	if err != nil {
		return nil, &entities.ConfigurationError{Field: "codec", Reason: err.Error()}
	}

	hostOpts := []hostfuncs.Option{hostfuncs.WithMaxFileSize(c.Host.MaxFileSize)}
	if c.Host.AllowPrivateNetworks {
		hostOpts = append(hostOpts, hostfuncs.WithDialer(hostfuncs.NewSafeDialer(
			hostfuncs.WithBlockPrivate(false),
			hostfuncs.WithBlockLocalhost(false),
		)))
	}
	var httpOpts []hostfuncs.HTTPOption
	if c.Host.HTTPTimeout > 0 {
		httpOpts = append(httpOpts, hostfuncs.WithHTTPRequestTimeout(c.Host.HTTPTimeout))
	}
	if c.Host.HTTPMaxBodySize > 0 {
		httpOpts = append(httpOpts, hostfuncs.WithHTTPMaxBodySize(c.Host.HTTPMaxBodySize))
	}
	if len(httpOpts) > 0 {
		hostOpts = append(hostOpts, hostfuncs.WithHTTPOptions(httpOpts...))
	}

	opts := []sandbox.Option{
		sandbox.WithLogger(logger),
		sandbox.WithCodec(codec),
		sandbox.WithMaxConcurrentCalls(c.MaxConcurrentCalls),
		sandbox.WithModuleCacheSize(c.Modules.CacheSize),
		sandbox.WithHostOptions(hostOpts...),
		sandbox.WithCompilationCacheDir(c.Modules.CompilationCacheDir),
	}
	if c.Streams != nil {
		opts = append(opts, sandbox.WithStreams(*c.Streams))
	}
	if c.Threat.Disabled {
		opts = append(opts, sandbox.WithoutThreatDetection())
	} else {
		opts = append(opts, sandbox.WithThreatDetection(
			threat.WithThresholds(c.Threat.PauseThreshold, c.Threat.TerminateThreshold),
			threat.WithHalfLife(c.Threat.HalfLife),
		))
	}

	var modules *store.FileModules
	if c.Modules.Dir != "" {
		compression, err := store.ParseCompression(c.Modules.Compression)
		if err != nil {
			return nil, &entities.ConfigurationError{Field: "modules.compression", Reason: err.Error()}
		}
		modules, err = store.OpenModules(c.Modules.Dir, store.WithCompression(compression), store.WithModulesLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sandbox.WithModuleStore(modules))
	}
	if c.Audit.Path != "" {
		log, err := store.OpenAuditLog(c.Audit.Path, store.WithAuditLogger(logger))
		if err != nil {
			if modules != nil {
				_ = modules.Close()
			}
			return nil, err
		}
		opts = append(opts, sandbox.WithAuditLog(log))
	}
	return opts, nil
}

// Grant mints the configured capabilities on ctrl and returns their IDs by
// name.
func (c *Config) Grant(ctx context.Context, ctrl *sandbox.Controller) (map[string]entities.CapabilityID, error) {
	ids := make(map[string]entities.CapabilityID, len(c.Capabilities))
	for _, nc := range c.Capabilities {
		var (
			id  entities.CapabilityID
			err error
		)
		if nc.Parent != "" {
			id, err = ctrl.Delegate(ctx, ids[nc.Parent], nc.Spec)
		} else {
			id, err = ctrl.Grant(ctx, nc.Spec)
		}
		if err != nil {
			return nil, fmt.Errorf("granting capability %s: %w", nc.Name, err)
		}
		ids[nc.Name] = id
	}
	return ids, nil
}
