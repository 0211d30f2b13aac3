package storage

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/vjranagit/mocap/pkg/types"
)

// queryKey identifies one archived series query. Times are unix
// milliseconds, zero for an open bound.
type queryKey struct {
	recording string
	series    string
	start     int64
	end       int64
}

func keyOf(req *QueryRequest) queryKey {
	k := queryKey{recording: req.RecordingID, series: req.Series}
	if !req.StartTime.IsZero() {
		k.start = req.StartTime.UnixMilli()
	}
	if !req.EndTime.IsZero() {
		k.end = req.EndTime.UnixMilli()
	}
	return k
}

type cacheEntry struct {
	key      queryKey
	result   *QueryResult
	storedAt time.Time
}

// QueryCache holds recent series query results, least recently used first
// out. Entries are grouped by recording so re-archiving one recording only
// drops its own results.
type QueryCache struct {
	capacity int
	ttl      time.Duration

	mu          sync.Mutex
	entries     map[queryKey]*list.Element
	byRecording map[string]map[queryKey]struct{}
	lru         *list.List

	hits      uint64
	misses    uint64
	evictions uint64
}

// CacheStats is a snapshot of cache counters
type CacheStats struct {
	Size      int
	Capacity  int
	Expired   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate returns hits as a percentage of lookups
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// NewQueryCache creates a cache of at most capacity results. A capacity of
// zero or less disables caching.
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		capacity:    capacity,
		ttl:         ttl,
		entries:     make(map[queryKey]*list.Element),
		byRecording: make(map[string]map[queryKey]struct{}),
		lru:         list.New(),
	}
}

// Get returns a live cached result
func (qc *QueryCache) Get(req *QueryRequest) (*QueryResult, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	key := keyOf(req)
	elem, ok := qc.entries[key]
	if !ok {
		qc.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if qc.expired(entry, time.Now()) {
		qc.removeLocked(elem)
		qc.misses++
		return nil, false
	}

	qc.lru.MoveToFront(elem)
	qc.hits++
	return entry.result, true
}

// Put stores result, evicting the least recently used entry when full
func (qc *QueryCache) Put(req *QueryRequest, result *QueryResult) {
	if qc.capacity <= 0 {
		return
	}

	qc.mu.Lock()
	defer qc.mu.Unlock()

	key := keyOf(req)
	if elem, ok := qc.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result = result
		entry.storedAt = time.Now()
		qc.lru.MoveToFront(elem)
		return
	}

	qc.entries[key] = qc.lru.PushFront(&cacheEntry{key: key, result: result, storedAt: time.Now()})
	keys, ok := qc.byRecording[key.recording]
	if !ok {
		keys = make(map[queryKey]struct{})
		qc.byRecording[key.recording] = keys
	}
	keys[key] = struct{}{}

	for qc.lru.Len() > qc.capacity {
		qc.removeLocked(qc.lru.Back())
		qc.evictions++
	}
}

// InvalidateRecording drops every result of one recording and returns how
// many were dropped
func (qc *QueryCache) InvalidateRecording(id string) int {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	keys := qc.byRecording[id]
	n := len(keys)
	for key := range keys {
		qc.removeLocked(qc.entries[key])
	}
	return n
}

// Clear drops every entry. Counters are kept.
func (qc *QueryCache) Clear() {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	qc.entries = make(map[queryKey]*list.Element)
	qc.byRecording = make(map[string]map[queryKey]struct{})
	qc.lru.Init()
}

// Size returns the number of cached results
func (qc *QueryCache) Size() int {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.lru.Len()
}

// Stats returns a snapshot of the cache counters
func (qc *QueryCache) Stats() CacheStats {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	now := time.Now()
	expired := 0
	for elem := qc.lru.Front(); elem != nil; elem = elem.Next() {
		if qc.expired(elem.Value.(*cacheEntry), now) {
			expired++
		}
	}

	return CacheStats{
		Size:      qc.lru.Len(),
		Capacity:  qc.capacity,
		Expired:   expired,
		Hits:      qc.hits,
		Misses:    qc.misses,
		Evictions: qc.evictions,
	}
}

func (qc *QueryCache) expired(entry *cacheEntry, now time.Time) bool {
	return qc.ttl > 0 && now.Sub(entry.storedAt) > qc.ttl
}

// removeLocked unlinks elem from the list and both maps (must hold lock)
func (qc *QueryCache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := qc.lru.Remove(elem).(*cacheEntry)
	delete(qc.entries, entry.key)
	if keys, ok := qc.byRecording[entry.key.recording]; ok {
		delete(keys, entry.key)
		if len(keys) == 0 {
			delete(qc.byRecording, entry.key.recording)
		}
	}
}

// CachedStorage serves repeated archive reads from memory. Series queries
// go through a QueryCache; the session list is kept until the next export.
type CachedStorage struct {
	storage Storage
	cache   *QueryCache

	mu         sync.Mutex
	sessions   []SessionInfo
	sessionsAt time.Time
	exports    uint64
}

// NewCachedStorage wraps storage with a cache of cacheCapacity query
// results living at most cacheTTL
func NewCachedStorage(storage Storage, cacheCapacity int, cacheTTL time.Duration) *CachedStorage {
	return &CachedStorage{
		storage: storage,
		cache:   NewQueryCache(cacheCapacity, cacheTTL),
	}
}

// Export archives rec and drops the cached results of that recording. A
// recording is archived again after a partial failure, so its earlier
// results may be incomplete.
func (cs *CachedStorage) Export(ctx context.Context, rec *types.Recording) (*types.ExportReport, error) {
	defer func() {
		cs.cache.InvalidateRecording(rec.ID)

		cs.mu.Lock()
		cs.sessions = nil
		cs.exports++
		cs.mu.Unlock()
	}()
	return cs.storage.Export(ctx, rec)
}

// Query returns a cached result or reads through to the archive. Errors
// are not cached.
func (cs *CachedStorage) Query(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	if result, ok := cs.cache.Get(req); ok {
		return result, nil
	}

	result, err := cs.storage.Query(ctx, req)
	if err != nil {
		return nil, err
	}

	cs.cache.Put(req, result)
	return result, nil
}

// Sessions returns the cached session list, reading it from the archive
// after an export or once the cache TTL has passed
func (cs *CachedStorage) Sessions(ctx context.Context) ([]SessionInfo, error) {
	cs.mu.Lock()
	if cs.sessions != nil && (cs.cache.ttl <= 0 || time.Since(cs.sessionsAt) <= cs.cache.ttl) {
		out := cs.sessions
		cs.mu.Unlock()
		return out, nil
	}
	exports := cs.exports
	cs.mu.Unlock()

	sessions, err := cs.storage.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []SessionInfo{}
	}

	cs.mu.Lock()
	// an export finished meanwhile; the list may be stale
	if cs.exports == exports {
		cs.sessions = sessions
		cs.sessionsAt = time.Now()
	}
	cs.mu.Unlock()

	return sessions, nil
}

// Close closes the underlying storage
func (cs *CachedStorage) Close() error {
	return cs.storage.Close()
}

// CacheStats returns the query cache counters
func (cs *CachedStorage) CacheStats() CacheStats {
	return cs.cache.Stats()
}
