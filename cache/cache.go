// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package cache provides a sharded LRU cache with reference-counted handles.
//
// The cache is split into 16 shards selected by the top bits of the key hash;
// each shard is independently locked. Within a shard an entry is in exactly
// one of three states:
//
//  1. in the cache and externally referenced: on the in-use list,
//  2. in the cache with no external references: on the LRU list, eligible
//     for eviction,
//  3. removed from the cache but still referenced: on neither list, freed
//     when the last reference is released.
//
// The two instantiations in this module are the block cache (value: block
// payload) and the table cache (value: open table handle).
package cache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/swiss"
)

const (
	numShardBits = 4
	numShards    = 1 << numShardBits
)

// Key identifies a cache entry. The block cache sets ID to the owning
// reader's cache ID and Offset to the block's file offset; the table cache
// sets ID to zero and Offset to the file number.
type Key struct {
	ID     uint64
	Offset uint64
}

func (k Key) hash() uint32 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], k.ID)
	binary.LittleEndian.PutUint64(b[8:], k.Offset)
	return uint32(xxhash.Sum64(b[:]) >> 32)
}

// Handle is a reference to a cache entry. The entry is pinned and will not
// be evicted until every handle to it is released.
type Handle[V any] struct {
	entry *entry[V]
}

// Value returns the cached value.
func (h Handle[V]) Value() V {
	return h.entry.value
}

type entry[V any] struct {
	key     Key
	hash    uint32
	value   V
	charge  int64
	deleter func(Key, V)

	// refs counts the cache's own reference (while inCache) plus one per
	// outstanding Handle. Guarded by the shard mutex.
	refs    int32
	inCache bool

	next, prev *entry[V]
}

// entryList is an intrusive circular list of entries with a sentinel root.
// The newest entry sits just before the root.
type entryList[V any] struct {
	root entry[V]
}

func (l *entryList[V]) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *entryList[V]) empty() bool {
	return l.root.next == &l.root
}

func (l *entryList[V]) oldest() *entry[V] {
	return l.root.next
}

func (l *entryList[V]) remove(e *entry[V]) {
	e.next.prev = e.prev
	e.prev.next = e.next
	e.next = nil
	e.prev = nil
}

func (l *entryList[V]) pushNewest(e *entry[V]) {
	e.next = &l.root
	e.prev = l.root.prev
	e.prev.next = e
	e.next.prev = e
}

type shard[V any] struct {
	capacity int64

	mu    sync.Mutex
	usage int64
	table *swiss.Map[Key, *entry[V]]
	// lru holds entries with no external references, ordered oldest first.
	// inUse holds externally referenced entries in no particular order.
	lru   entryList[V]
	inUse entryList[V]
}

func (s *shard[V]) init(capacity int64) {
	s.capacity = capacity
	s.table = swiss.New[Key, *entry[V]](16)
	s.lru.init()
	s.inUse.init()
}

// ref acquires an external reference, moving the entry from the LRU list to
// the in-use list if it was evictable.
func (s *shard[V]) ref(e *entry[V]) {
	if e.refs == 1 && e.inCache {
		s.lru.remove(e)
		s.inUse.pushNewest(e)
	}
	e.refs++
}

// unref drops one reference. The last reference frees the entry; dropping to
// a single (cache-held) reference moves it to the LRU list.
func (s *shard[V]) unref(e *entry[V]) {
	e.refs--
	switch {
	case e.refs == 0:
		if e.deleter != nil {
			e.deleter(e.key, e.value)
		}
	case e.inCache && e.refs == 1:
		s.inUse.remove(e)
		s.lru.pushNewest(e)
	}
}

func (s *shard[V]) lookup(k Key) (Handle[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.table.Get(k)
	if !ok {
		return Handle[V]{}, false
	}
	s.ref(e)
	return Handle[V]{entry: e}, true
}

func (s *shard[V]) insert(
	k Key, hash uint32, value V, charge int64, deleter func(Key, V),
) Handle[V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry[V]{
		key:     k,
		hash:    hash,
		value:   value,
		charge:  charge,
		deleter: deleter,
		refs:    1,
	}

	if s.capacity > 0 {
		// One reference for the returned handle, one for the cache.
		e.refs++
		e.inCache = true
		s.inUse.pushNewest(e)
		s.usage += charge
		if old, ok := s.table.Get(k); ok {
			s.finishErase(old)
		}
		s.table.Put(k, e)
	}

	for s.usage > s.capacity && !s.lru.empty() {
		old := s.lru.oldest()
		s.table.Delete(old.key)
		s.finishErase(old)
	}
	return Handle[V]{entry: e}
}

// finishErase detaches an entry already removed from the table: it leaves
// whichever list it is on, sheds the cache's reference, and stops counting
// against usage.
func (s *shard[V]) finishErase(e *entry[V]) {
	e.inCache = false
	if e.refs == 1 {
		s.lru.remove(e)
	} else {
		s.inUse.remove(e)
	}
	s.usage -= e.charge
	s.unref(e)
}

func (s *shard[V]) release(h Handle[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unref(h.entry)
}

func (s *shard[V]) erase(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.table.Get(k); ok {
		s.table.Delete(k)
		s.finishErase(e)
	}
}

func (s *shard[V]) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.lru.empty() {
		e := s.lru.oldest()
		s.table.Delete(e.key)
		s.finishErase(e)
	}
}

func (s *shard[V]) totalCharge() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Cache is a sharded LRU cache. The zero value is not usable; call New.
type Cache[V any] struct {
	shards [numShards]shard[V]
	lastID atomic.Uint64
}

// New returns a cache that holds up to capacity units of charge, split
// evenly across the shards. A zero capacity disables caching: inserted
// entries are still usable through their handle but are never retained.
func New[V any](capacity int64) *Cache[V] {
	c := &Cache[V]{}
	perShard := (capacity + numShards - 1) / numShards
	for i := range c.shards {
		c.shards[i].init(perShard)
	}
	return c
}

func (c *Cache[V]) shard(hash uint32) *shard[V] {
	return &c.shards[hash>>(32-numShardBits)]
}

// NewID returns an ID distinct from every other ID issued by this cache.
// Each table reader sharing a block cache allocates one so that its block
// offsets do not collide with another file's.
func (c *Cache[V]) NewID() uint64 {
	return c.lastID.Add(1)
}

// Lookup returns a handle for the entry under k, pinning it, or ok=false if
// the entry is not present.
func (c *Cache[V]) Lookup(k Key) (Handle[V], bool) {
	return c.shard(k.hash()).lookup(k)
}

// Insert adds an entry under k, displacing any existing entry with the same
// key, and returns a pinned handle to it. deleter, if non-nil, runs when the
// entry leaves the cache and its last handle is released. Entries whose
// charge pushes a shard over capacity evict from the cold end of the LRU
// list; pinned entries are never evicted.
func (c *Cache[V]) Insert(
	k Key, value V, charge int64, deleter func(Key, V),
) Handle[V] {
	hash := k.hash()
	return c.shard(hash).insert(k, hash, value, charge, deleter)
}

// Release unpins a handle. The handle must not be used afterwards.
func (c *Cache[V]) Release(h Handle[V]) {
	c.shard(h.entry.hash).release(h)
}

// Erase removes the entry under k. Outstanding handles keep the value alive
// until they are released.
func (c *Cache[V]) Erase(k Key) {
	c.shard(k.hash()).erase(k)
}

// Prune evicts every entry that is not pinned.
func (c *Cache[V]) Prune() {
	for i := range c.shards {
		c.shards[i].prune()
	}
}

// TotalCharge returns the summed charge of resident entries.
func (c *Cache[V]) TotalCharge() int64 {
	var total int64
	for i := range c.shards {
		total += c.shards[i].totalCharge()
	}
	return total
}
