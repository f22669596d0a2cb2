// Package assets opens chunk stores and keeps their file handles for the session.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Faultbox/terrastream/internal/storage"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
)

// Manager handles chunk store access through a storage source.
type Manager struct {
	ctx     context.Context
	source  storage.Source
	handles *HandleCache

	mu     sync.Mutex
	tables map[string]*chunkstore.Table
}

// NewManager creates a new asset manager. ctx bounds remote reads for the
// lifetime of the cached handles.
func NewManager(ctx context.Context, source storage.Source) *Manager {
	return &Manager{
		ctx:     ctx,
		source:  source,
		handles: NewHandleCache(),
		tables:  make(map[string]*chunkstore.Table),
	}
}

// Source returns the storage source backing the manager.
func (m *Manager) Source() storage.Source {
	return m.source
}

// Table loads and parses a chunk table. Parsed tables are kept for reuse.
func (m *Manager) Table(path string) (*chunkstore.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tables[path]; ok {
		return t, nil
	}

	blob, err := m.source.Open(m.ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening table %s: %w", path, err)
	}
	defer blob.Close()

	data, err := storage.ReadAll(blob)
	if err != nil {
		return nil, fmt.Errorf("reading table %s: %w", path, err)
	}
	t, err := chunkstore.ReadTable(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing table %s: %w", path, err)
	}

	m.tables[path] = t
	return t, nil
}

// Handle returns the open handle of a blob file, opening it on first use.
// Handles are never evicted during a session.
func (m *Manager) Handle(path string) (storage.Blob, error) {
	return m.handles.GetOrOpen(path, func() (storage.Blob, error) {
		return m.source.Open(m.ctx, path)
	})
}

// HandleStats returns handle cache hit and miss counts.
func (m *Manager) HandleStats() (hits, misses int) {
	return m.handles.Stats()
}

// Close closes all cached handles.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.tables = make(map[string]*chunkstore.Table)
	m.mu.Unlock()
	return m.handles.Clear()
}

// HandleCache maps file paths to open blob handles.
type HandleCache struct {
	data map[string]storage.Blob
	mu   sync.RWMutex

	// Stats
	hits   int
	misses int
}

// NewHandleCache creates a new handle cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{
		data: make(map[string]storage.Blob),
	}
}

// Get retrieves a handle from the cache.
func (c *HandleCache) Get(path string) (storage.Blob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.data[path]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return b, ok
}

// GetOrOpen returns the cached handle or opens and caches a new one.
// Concurrent callers for the same path open the file once.
func (c *HandleCache) GetOrOpen(path string, open func() (storage.Blob, error)) (storage.Blob, error) {
	if b, ok := c.Get(path); ok {
		return b, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.data[path]; ok {
		return b, nil
	}
	b, err := open()
	if err != nil {
		return nil, err
	}
	c.data[path] = b
	return b, nil
}

// Len returns the number of open handles.
func (c *HandleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Clear closes and forgets every handle.
func (c *HandleCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for path, b := range c.data {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", path, err))
		}
	}
	c.data = make(map[string]storage.Blob)
	c.hits = 0
	c.misses = 0
	return errors.Join(errs...)
}

// Stats returns cache statistics.
func (c *HandleCache) Stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
