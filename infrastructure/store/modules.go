package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/digest"
)

var _ ports.ModuleStore = (*FileModules)(nil)

// moduleMagic starts every stored module file. The header is the magic,
// one compression byte and the uncompressed size as a big-endian uint64.
var moduleMagic = []byte("RSMD")

const headerSize = 4 + 1 + 8

// FileModules stores module bytes in a directory, one compressed file per
// content hash.
type FileModules struct {
	dir         string
	compression Compression
	logger      *slog.Logger

	mu sync.Mutex
}

// ModulesOption configures FileModules.
type ModulesOption func(*FileModules)

// WithCompression selects the compression for new entries.
func WithCompression(c Compression) ModulesOption {
	return func(m *FileModules) {
		m.compression = c
	}
}

// WithModulesLogger sets the logger.
func WithModulesLogger(logger *slog.Logger) ModulesOption {
	return func(m *FileModules) {
		m.logger = logger
	}
}

// OpenModules opens or creates a module directory. Entries default to
// zstd compression.
func OpenModules(dir string, opts ...ModulesOption) (*FileModules, error) {
	m := &FileModules{dir: dir, compression: CompressionZstd, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating module store: %w", err)
	}
	return m, nil
}

func (m *FileModules) path(hash string) string {
	return filepath.Join(m.dir, hash+".mod")
}

// Put stores data under hash. The hash must be the module id of data.
func (m *FileModules) Put(_ context.Context, hash string, data []byte) error {
	if !digest.Valid(hash) {
		return &entities.ConfigurationError{Field: "hash", Reason: fmt.Sprintf("%q is not a module hash", hash)}
	}
	if got := digest.Module(data); got != hash {
		return &entities.ConfigurationError{Field: "hash", Reason: fmt.Sprintf("data hashes to %s", got)}
	}

	tag := m.compression
	payload, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		tag, payload = CompressionNone, data
	} else if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	buf.Write(moduleMagic)
	buf.WriteByte(byte(tag))
	_ = binary.Write(&buf, binary.BigEndian, uint64(len(data)))
	buf.Write(payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := os.Stat(m.path(hash)); err == nil {
		return nil
	}
	tmp, err := os.CreateTemp(m.dir, hash+".*.tmp")
	if err != nil {
		return fmt.Errorf("storing module %s: %w", hash, err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("storing module %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storing module %s: %w", hash, err)
	}
	if err := os.Rename(tmp.Name(), m.path(hash)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storing module %s: %w", hash, err)
	}
	m.logger.Debug("module stored", "module", hash, "compression", tag.String(), "size", len(data), "stored", len(payload))
	return nil
}

// Get returns the module stored under hash, verifying its content.
func (m *FileModules) Get(_ context.Context, hash string) ([]byte, error) {
	if !digest.Valid(hash) {
		return nil, &entities.NotFound{What: "module", ID: hash}
	}
	raw, err := os.ReadFile(m.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &entities.NotFound{What: "module", ID: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("reading module %s: %w", hash, err)
	}
	if len(raw) < headerSize || !bytes.Equal(raw[:4], moduleMagic) {
		return nil, fmt.Errorf("module %s: bad header", hash)
	}
	tag := Compression(raw[4])
	size := binary.BigEndian.Uint64(raw[5:headerSize])
	data, err := decompress(raw[headerSize:], tag, int(size))
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", hash, err)
	}
	if digest.Module(data) != hash {
		return nil, fmt.Errorf("module %s: content does not match its hash", hash)
	}
	return data, nil
}

// Hashes lists stored module hashes.
func (m *FileModules) Hashes() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.mod"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, p := range matches {
		hash := filepath.Base(p)
		hash = hash[:len(hash)-len(".mod")]
		if digest.Valid(hash) {
			out = append(out, hash)
		}
	}
	return out, nil
}

func (m *FileModules) Close() error { return nil }

// MemoryModules is an in-process ModuleStore.
type MemoryModules struct {
	mu      sync.RWMutex
	modules map[string][]byte
}

var _ ports.ModuleStore = (*MemoryModules)(nil)

func NewMemoryModules() *MemoryModules {
	return &MemoryModules{modules: make(map[string][]byte)}
}

func (m *MemoryModules) Put(_ context.Context, hash string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[hash] = bytes.Clone(data)
	return nil
}

func (m *MemoryModules) Get(_ context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.modules[hash]
	if !ok {
		return nil, &entities.NotFound{What: "module", ID: hash}
	}
	return bytes.Clone(data), nil
}

func (m *MemoryModules) Close() error { return nil }
