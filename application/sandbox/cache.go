package sandbox

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/application/engine"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/digest"
)

// cached is a compiled module and the engine that compiled it.
type cached struct {
	id     string
	engine ports.Engine
	module ports.Module
	// refs counts live instances; referenced modules are never evicted.
	refs int
}

// moduleCache holds compiled modules keyed by content hash. Unreferenced
// entries are evicted least recently used first once the cache exceeds
// its capacity.
type moduleCache struct {
	registry *engine.Registry
	store    ports.ModuleStore
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	loading map[string]*keyLock
}

// keyLock serializes compilation of one hash.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newModuleCache(registry *engine.Registry, store ports.ModuleStore, capacity int, logger *slog.Logger) *moduleCache {
	return &moduleCache{
		registry: registry,
		store:    store,
		capacity: capacity,
		logger:   logger,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		loading:  make(map[string]*keyLock),
	}
}

func (c *moduleCache) lock(id string) func() {
	c.mu.Lock()
	kl, ok := c.loading[id]
	if !ok {
		kl = &keyLock{}
		c.loading[id] = kl
	}
	kl.refs++
	c.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		c.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(c.loading, id)
		}
		c.mu.Unlock()
	}
}

// lookup returns a cached module and marks it recently used.
func (c *moduleCache) lookup(id string) (*cached, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cached), true
}

// load compiles data unless a module with the same hash is cached.
// Loading the same bytes twice yields the same module.
func (c *moduleCache) load(ctx context.Context, data []byte) (*cached, error) {
	id := digest.Module(data)
	if m, ok := c.lookup(id); ok {
		return m, nil
	}
	unlock := c.lock(id)
	defer unlock()
	if m, ok := c.lookup(id); ok {
		return m, nil
	}

	eng, err := c.registry.Detect(data)
	if err != nil {
		return nil, err
	}
	mod, err := eng.LoadModule(ctx, data)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if err := c.store.Put(ctx, id, data); err != nil {
			c.logger.Warn("persisting module failed", "module", id, "error", err)
		}
	}

	m := &cached{id: id, engine: eng, module: mod}
	c.mu.Lock()
	c.entries[id] = c.lru.PushFront(m)
	evicted := c.evictLocked()
	c.mu.Unlock()
	c.close(ctx, evicted)
	c.logger.Debug("module compiled", "module", id, "engine", eng.Name())
	return m, nil
}

// get returns the module with id, reloading it from the store when it is
// no longer cached.
func (c *moduleCache) get(ctx context.Context, id string) (*cached, error) {
	if m, ok := c.lookup(id); ok {
		return m, nil
	}
	if c.store == nil {
		return nil, &entities.NotFound{What: "module", ID: id}
	}
	data, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.load(ctx, data)
}

// acquire pins the module with id for an instance.
func (c *moduleCache) acquire(ctx context.Context, id string) (*cached, error) {
	for {
		m, err := c.get(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if el, ok := c.entries[id]; ok && el.Value.(*cached) == m {
			m.refs++
			c.lru.MoveToFront(el)
			c.mu.Unlock()
			return m, nil
		}
		// Evicted between get and pin.
		c.mu.Unlock()
	}
}

// release unpins a module and evicts whatever no longer fits.
func (c *moduleCache) release(ctx context.Context, m *cached) {
	c.mu.Lock()
	if m.refs > 0 {
		m.refs--
	}
	evicted := c.evictLocked()
	c.mu.Unlock()
	c.close(ctx, evicted)
}

func (c *moduleCache) evictLocked() []*cached {
	var evicted []*cached
	for el := c.lru.Back(); el != nil && c.lru.Len() > c.capacity; {
		prev := el.Prev()
		if m := el.Value.(*cached); m.refs == 0 {
			c.lru.Remove(el)
			delete(c.entries, m.id)
			evicted = append(evicted, m)
		}
		el = prev
	}
	return evicted
}

func (c *moduleCache) close(ctx context.Context, mods []*cached) {
	for _, m := range mods {
		if err := m.module.Close(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("closing evicted module failed", "module", m.id, "error", err)
		}
		c.logger.Debug("module evicted", "module", m.id)
	}
}

// len reports how many modules are cached.
func (c *moduleCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// closeAll closes every cached module.
func (c *moduleCache) closeAll(ctx context.Context) error {
	c.mu.Lock()
	var mods []*cached
	for el := c.lru.Front(); el != nil; el = el.Next() {
		mods = append(mods, el.Value.(*cached))
	}
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.mu.Unlock()

	var errs []error
	for _, m := range mods {
		if err := m.module.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
