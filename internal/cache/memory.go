package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/fingerprint"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/metrics"
)

// DefaultMemoryBytes is the default byte budget for the memory backend
// (spec §6: size_bytes, default 256 MiB).
const DefaultMemoryBytes = 256 << 20

// shardCount spreads the LRU across independent locks so a burst of
// concurrent fallback lookups from many sessions doesn't serialize on one
// mutex. Each shard gets an equal fraction of the configured byte budget.
const shardCount = 16

// Memory is a bounded, sharded, least-recently-used cache. put evicts
// least-recently-used entries until the new entry fits within its
// shard's byte budget; get promotes the entry to most-recently-used.
type Memory struct {
	shards [shardCount]*shard
}

type shard struct {
	mu       sync.Mutex
	maxBytes int
	curBytes int
	ll       *list.List // front = most recently used
	index    map[fingerprint.Fingerprint]*list.Element
}

type entry struct {
	key  fingerprint.Fingerprint
	resp *CachedResponse
}

// NewMemory builds a Memory backend with a total byte budget of
// maxBytes, split evenly across its internal shards. maxBytes <= 0 uses
// DefaultMemoryBytes.
func NewMemory(maxBytes int) *Memory {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryBytes
	}
	m := &Memory{}
	perShard := maxBytes / shardCount
	if perShard <= 0 {
		perShard = 1
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			maxBytes: perShard,
			ll:       list.New(),
			index:    make(map[fingerprint.Fingerprint]*list.Element),
		}
	}
	return m
}

func (m *Memory) shardFor(fp fingerprint.Fingerprint) *shard {
	return m.shards[int(fp[0])%shardCount]
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, fp fingerprint.Fingerprint) (*CachedResponse, bool) {
	s := m.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[fp]
	if !ok {
		metrics.CacheMisses.WithLabelValues("memory").Inc()
		return nil, false
	}
	s.ll.MoveToFront(el)
	metrics.CacheHits.WithLabelValues("memory").Inc()
	return el.Value.(*entry).resp, true
}

// Put implements Cache.
func (m *Memory) Put(_ context.Context, fp fingerprint.Fingerprint, resp *CachedResponse) {
	s := m.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[fp]; ok {
		s.curBytes -= el.Value.(*entry).resp.ByteCost()
		s.ll.Remove(el)
		delete(s.index, fp)
	}

	cost := resp.ByteCost()
	el := s.ll.PushFront(&entry{key: fp, resp: resp})
	s.index[fp] = el
	s.curBytes += cost
	metrics.CachePuts.WithLabelValues("memory").Inc()

	for s.curBytes > s.maxBytes && s.ll.Len() > 1 {
		s.evictOldest()
		metrics.CacheEvictions.Inc()
	}
}

// evictOldest removes the least-recently-used entry. Caller holds s.mu.
func (s *shard) evictOldest() {
	oldest := s.ll.Back()
	if oldest == nil {
		return
	}
	oldEntry := oldest.Value.(*entry)
	s.curBytes -= oldEntry.resp.ByteCost()
	s.ll.Remove(oldest)
	delete(s.index, oldEntry.key)
}

var _ Cache = (*Memory)(nil)
