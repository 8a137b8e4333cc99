package offline

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	s:<store>            storeMeta
//	e:<store>\x00<key>   zstd(gob(CacheEntry))
const (
	storePrefix = "s:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type storeMeta struct {
	Seq       uint64
	CreatedAt int64
}

type LevelDBStorage struct {
	maxBytes int64

	db  *leveldb.DB
	ram *ramCache

	// wmu serializes writes so the size index and quota checks stay exact.
	// Disk reads that fill the RAM cache hold it for reading.
	wmu sync.RWMutex

	mu        sync.Mutex
	stores    map[string]storeMeta
	sizes     map[string]int64 // entry db key -> encoded size
	totalSize int64
	seq       uint64
	closed    bool
}

// OpenLevelDBStorage opens (or creates) the database at path. ramMax bounds
// the in-memory read cache, diskMax is the storage quota; zero disables either.
func OpenLevelDBStorage(path string, ramMax, diskMax int64) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	s := &LevelDBStorage{
		maxBytes: diskMax,
		db:       db,
		ram:      newRAMCache(ramMax),
		stores:   map[string]storeMeta{},
		sizes:    map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(storePrefix)), nil)
	stores := map[string]storeMeta{}
	var seq uint64
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(storePrefix)))
		var meta storeMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		stores[name] = meta
		if meta.Seq > seq {
			seq = meta.Seq
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "load stores")
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	sizes := map[string]int64{}
	var total int64
	for it.Next() {
		sz := int64(len(it.Value()))
		sizes[string(it.Key())] = sz
		total += sz
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "load entries")
	}

	s.mu.Lock()
	s.stores = stores
	s.sizes = sizes
	s.totalSize = total
	s.seq = seq
	s.mu.Unlock()
	return nil
}

func entryKey(store, key string) string { return entryPrefix + store + keySep + key }

func (s *LevelDBStorage) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

func (s *LevelDBStorage) Open(ctx context.Context, name string) (Cache, error) {
	if !validStoreName(name) {
		return nil, errors.Errorf("invalid cache name %q", name)
	}
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	batch := new(leveldb.Batch)
	commit := s.ensureStore(batch, name)
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return nil, errors.Wrapf(err, "create cache %s", name)
		}
	}
	commit()
	return &levelCache{s: s, name: name}, nil
}

// ensureStore adds the store marker to batch when the store is new. The
// returned func records the store once the batch is written. Callers hold wmu.
func (s *LevelDBStorage) ensureStore(batch *leveldb.Batch, name string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[name]; ok {
		return func() {}
	}
	meta := storeMeta{Seq: s.seq + 1, CreatedAt: time.Now().Unix()}
	mb, _ := encodeGob(meta)
	batch.Put([]byte(storePrefix+name), mb)
	return func() {
		s.mu.Lock()
		s.stores[name] = meta
		if meta.Seq > s.seq {
			s.seq = meta.Seq
		}
		s.mu.Unlock()
	}
}

func (s *LevelDBStorage) Names(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.stores))
	for name := range s.stores {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.stores[out[i]].Seq < s.stores[out[j]].Seq
	})
	return out, nil
}

// validStoreName rejects names that would break the entry key layout.
func validStoreName(name string) bool {
	return name != "" && !strings.Contains(name, keySep)
}

func (s *LevelDBStorage) Cache(name string) Cache { return &levelCache{s: s, name: name} }

func (s *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.checkOpen(ctx); err != nil {
		return false, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	_, existed := s.stores[name]
	s.mu.Unlock()

	prefix := entryKey(name, "")
	batch := new(leveldb.Batch)
	batch.Delete([]byte(storePrefix + name))
	var removed []string
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		batch.Delete(k)
		removed = append(removed, string(k))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrapf(err, "scan cache %s", name)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "delete cache %s", name)
	}

	s.mu.Lock()
	delete(s.stores, name)
	for _, k := range removed {
		s.totalSize -= s.sizes[k]
		delete(s.sizes, k)
	}
	s.mu.Unlock()
	s.ram.DeletePrefix(prefix)
	return existed, nil
}

func (s *LevelDBStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.db.Close()
}

// TotalSize is the encoded size of all entries on disk.
func (s *LevelDBStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// RAMSize is the encoded size of entries held by the read cache.
func (s *LevelDBStorage) RAMSize() int64 { return s.ram.TotalSize() }

type levelCache struct {
	s    *LevelDBStorage
	name string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	if err := c.s.checkOpen(ctx); err != nil {
		return CacheEntry{}, false, err
	}
	if !validStoreName(c.name) {
		return CacheEntry{}, false, nil
	}
	dk := entryKey(c.name, key)
	if ent, ok := c.s.ram.Get(dk); ok {
		return cloneEntry(ent), true, nil
	}
	c.s.wmu.RLock()
	defer c.s.wmu.RUnlock()
	b, err := c.s.db.Get([]byte(dk), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, errors.Wrapf(err, "match %s", key)
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return CacheEntry{}, false, err
	}
	c.s.ram.Put(dk, ent, int64(len(b)))
	return cloneEntry(ent), true, nil
}

func (c *levelCache) Put(ctx context.Context, key string, ent CacheEntry) error {
	return c.PutAll(ctx, []Item{{Key: key, Entry: ent}})
}

func (c *levelCache) PutAll(ctx context.Context, items []Item) error {
	if err := c.s.checkOpen(ctx); err != nil {
		return err
	}
	if !validStoreName(c.name) {
		return errors.Errorf("invalid cache name %q", c.name)
	}
	type encoded struct {
		key string
		ent CacheEntry
		b   []byte
	}
	enc := make([]encoded, 0, len(items))
	for _, it := range items {
		b, err := encodeEntry(it.Entry)
		if err != nil {
			return errors.Wrapf(err, "encode %s", it.Key)
		}
		enc = append(enc, encoded{key: entryKey(c.name, it.Key), ent: it.Entry, b: b})
	}

	c.s.wmu.Lock()
	defer c.s.wmu.Unlock()

	c.s.mu.Lock()
	total := c.s.totalSize
	seen := map[string]int64{}
	for _, e := range enc {
		old, ok := seen[e.key]
		if !ok {
			old = c.s.sizes[e.key]
		}
		total += int64(len(e.b)) - old
		seen[e.key] = int64(len(e.b))
	}
	c.s.mu.Unlock()
	if c.s.maxBytes > 0 && total > c.s.maxBytes {
		return errors.Wrapf(ErrQuotaExceeded, "cache %s", c.name)
	}

	batch := new(leveldb.Batch)
	commit := c.s.ensureStore(batch, c.name)
	for _, e := range enc {
		batch.Put([]byte(e.key), e.b)
	}
	if err := c.s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, "write cache %s", c.name)
	}
	commit()

	c.s.mu.Lock()
	for k, sz := range seen {
		c.s.totalSize += sz - c.s.sizes[k]
		c.s.sizes[k] = sz
	}
	c.s.mu.Unlock()
	for _, e := range enc {
		c.s.ram.Put(e.key, cloneEntry(e.ent), int64(len(e.b)))
	}
	return nil
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	if err := c.s.checkOpen(ctx); err != nil {
		return nil, err
	}
	if !validStoreName(c.name) {
		return nil, nil
	}
	prefix := entryKey(c.name, "")
	it := c.s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Key()), prefix))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, "keys %s", c.name)
	}
	return out, nil
}
