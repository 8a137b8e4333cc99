package offline

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrStorageClosed = errors.New("storage closed")
)

// Storage is a registry of named caches. Implementations must be safe for
// concurrent use; writes to a single key are atomic.
type Storage interface {
	// Open returns the cache called name, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Names lists existing cache names in creation order.
	Names(ctx context.Context) ([]string, error)
	// Cache returns a handle to the named cache without creating it. Reads
	// through the handle miss while the cache does not exist; writes create it.
	Cache(name string) Cache
	// Delete removes the cache and all of its entries. It reports whether the
	// cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, key string, ent CacheEntry) error
	// PutAll writes every item or none of them.
	PutAll(ctx context.Context, items []Item) error
	Keys(ctx context.Context) ([]string, error)
}

type Item struct {
	Key   string
	Entry CacheEntry
}

// NewStorage builds the backend selected by cfg.Storage.Driver.
func NewStorage(cfg Config) (Storage, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return NewMemoryStorage(), nil
	case "leveldb", "":
		return OpenLevelDBStorage(cfg.Storage.Path, cfg.Storage.ramMax, cfg.Storage.diskMax)
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// ---- memory ----

type memStore struct {
	seq     uint64
	entries map[string]CacheEntry
}

type MemoryStorage struct {
	mu     sync.Mutex
	seq    uint64
	stores map[string]*memStore
	closed bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: map[string]*memStore{}}
}

func (m *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	m.ensureLocked(name)
	return &memCache{m: m, name: name}, nil
}

func (m *MemoryStorage) ensureLocked(name string) *memStore {
	st, ok := m.stores[name]
	if !ok {
		m.seq++
		st = &memStore{seq: m.seq, entries: map[string]CacheEntry{}}
		m.stores[name] = st
	}
	return st
}

func (m *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]string, 0, len(m.stores))
	for name := range m.stores {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.stores[out[i]].seq < m.stores[out[j]].seq
	})
	return out, nil
}

func (m *MemoryStorage) Cache(name string) Cache { return &memCache{m: m, name: name} }

func (m *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrStorageClosed
	}
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type memCache struct {
	m    *MemoryStorage
	name string
}

func (c *memCache) Name() string { return c.name }

func (c *memCache) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, false, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.closed {
		return CacheEntry{}, false, ErrStorageClosed
	}
	st, ok := c.m.stores[c.name]
	if !ok {
		return CacheEntry{}, false, nil
	}
	ent, ok := st.entries[key]
	if !ok {
		return CacheEntry{}, false, nil
	}
	return cloneEntry(ent), true, nil
}

func (c *memCache) Put(ctx context.Context, key string, ent CacheEntry) error {
	return c.PutAll(ctx, []Item{{Key: key, Entry: ent}})
}

func (c *memCache) PutAll(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.closed {
		return ErrStorageClosed
	}
	st := c.m.ensureLocked(c.name)
	for _, it := range items {
		st.entries[it.Key] = cloneEntry(it.Entry)
	}
	return nil
}

func (c *memCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.closed {
		return nil, ErrStorageClosed
	}
	st, ok := c.m.stores[c.name]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(st.entries))
	for k := range st.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func cloneEntry(ent CacheEntry) CacheEntry {
	out := ent
	out.Header = cloneHeader(ent.Header)
	if ent.Body != nil {
		out.Body = append([]byte(nil), ent.Body...)
	}
	return out
}
