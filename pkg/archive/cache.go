package archive

import (
	"container/list"
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// queryKey identifies one statistical query.
type queryKey struct {
	stream     uuid.UUID
	start, end timeval.Time
	pwe        int
}

// hash returns the cache slot of the key.
func (k queryKey) hash() uint64 {
	var buf [16 + 4*8 + 1]byte
	b := append(buf[:0], k.stream[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(k.start.Millis))
	b = binary.BigEndian.AppendUint64(b, uint64(k.start.Nanos))
	b = binary.BigEndian.AppendUint64(b, uint64(k.end.Millis))
	b = binary.BigEndian.AppendUint64(b, uint64(k.end.Nanos))
	b = append(b, byte(k.pwe))
	return xxhash.Sum64(b)
}

// QueryCache is an LRU cache of query results with a TTL.
type QueryCache struct {
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
	cache    map[uint64]*cacheEntry
	lru      *list.List
}

type cacheEntry struct {
	hash      uint64
	key       queryKey
	points    []types.Point
	timestamp time.Time
	element   *list.Element
}

// NewQueryCache creates a new query cache
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		capacity: capacity,
		ttl:      ttl,
		cache:    make(map[uint64]*cacheEntry),
		lru:      list.New(),
	}
}

// get returns cached points. The slice must not be modified.
func (qc *QueryCache) get(key queryKey) ([]types.Point, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	h := key.hash()
	entry, exists := qc.cache[h]
	if !exists || entry.key != key {
		return nil, false
	}

	if time.Since(entry.timestamp) > qc.ttl {
		qc.removeLocked(h)
		return nil, false
	}

	qc.lru.MoveToFront(entry.element)
	return entry.points, true
}

func (qc *QueryCache) put(key queryKey, points []types.Point) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	h := key.hash()
	if entry, exists := qc.cache[h]; exists {
		entry.key = key
		entry.points = points
		entry.timestamp = time.Now()
		qc.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		hash:      h,
		key:       key,
		points:    points,
		timestamp: time.Now(),
	}
	entry.element = qc.lru.PushFront(entry)
	qc.cache[h] = entry

	if qc.lru.Len() > qc.capacity {
		if oldest := qc.lru.Back(); oldest != nil {
			qc.removeLocked(oldest.Value.(*cacheEntry).hash)
		}
	}
}

// invalidate drops every cached result of stream.
func (qc *QueryCache) invalidate(stream uuid.UUID) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	for h, entry := range qc.cache {
		if entry.key.stream == stream {
			qc.removeLocked(h)
		}
	}
}

func (qc *QueryCache) removeLocked(h uint64) {
	if entry, exists := qc.cache[h]; exists {
		qc.lru.Remove(entry.element)
		delete(qc.cache, h)
	}
}

// Clear clears all cache entries
func (qc *QueryCache) Clear() {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	qc.cache = make(map[uint64]*cacheEntry)
	qc.lru = list.New()
}

// Size returns the current cache size
func (qc *QueryCache) Size() int {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return len(qc.cache)
}

// CachedStorage wraps a Storage with query caching. Writes invalidate the
// cached results of the streams they touch.
type CachedStorage struct {
	Storage
	cache  *QueryCache
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedStorage creates a cached storage wrapper
func NewCachedStorage(storage Storage, capacity int, ttl time.Duration) *CachedStorage {
	return &CachedStorage{
		Storage: storage,
		cache:   NewQueryCache(capacity, ttl),
	}
}

// Write implements Storage.
func (cs *CachedStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	err := cs.Storage.Write(ctx, req)
	for _, series := range req.Series {
		cs.cache.invalidate(series.Stream.UUID)
	}
	return err
}

// Query implements Storage.
func (cs *CachedStorage) Query(ctx context.Context, stream uuid.UUID, start, end timeval.Time, pwe int) ([]types.Point, error) {
	key := queryKey{stream: stream, start: start, end: end, pwe: pwe}
	if points, ok := cs.cache.get(key); ok {
		cs.hits.Add(1)
		return points, nil
	}
	cs.misses.Add(1)

	points, err := cs.Storage.Query(ctx, stream, start, end, pwe)
	if err != nil {
		return nil, err
	}

	cs.cache.put(key, points)
	return points, nil
}

// HitRate returns the cache hit rate as a percentage
func (cs *CachedStorage) HitRate() float64 {
	hits, misses := cs.hits.Load(), cs.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total) * 100.0
}

// Size returns the number of cached results.
func (cs *CachedStorage) Size() int {
	return cs.cache.Size()
}

// check interfaces
var (
	_ Storage = (*CachedStorage)(nil)
)
