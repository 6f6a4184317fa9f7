// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package memdb

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/shaledb/shale/db"
)

const (
	maxHeight = 12
	branching = 4
)

// ErrRecordExists is returned when an entry with the same key (user key and
// trailer both) is inserted twice.
var ErrRecordExists = errors.New("shale/memdb: record with this key already exists")

type node struct {
	key   []byte
	value []byte

	// tower[i] is the next node at level i, or nil. Stores publish the node
	// to concurrent readers; loads observe a fully initialized node because
	// every tower entry of the new node is written before any predecessor
	// pointer is switched to it.
	tower []atomic.Pointer[node]
}

func (n *node) next(level int) *node {
	return n.tower[level].Load()
}

// skiplist is a probabilistic ordered container over encoded keys. A single
// goroutine may insert; any number of goroutines may read concurrently
// without locks.
type skiplist struct {
	cmp    db.Compare
	head   *node
	height atomic.Int32
	rnd    uint64
}

func newSkiplist(cmp db.Compare) *skiplist {
	s := &skiplist{
		cmp:  cmp,
		head: &node{tower: make([]atomic.Pointer[node], maxHeight)},
		rnd:  0xdeadbeef,
	}
	s.height.Store(1)
	return s
}

func (s *skiplist) randomHeight() int {
	h := 1
	for h < maxHeight {
		s.rnd ^= s.rnd << 13
		s.rnd ^= s.rnd >> 7
		s.rnd ^= s.rnd << 17
		if s.rnd%branching != 0 {
			break
		}
		h++
	}
	return h
}

// findGE returns the first node whose key is >= key, filling prev with the
// rightmost node before that position at every level when prev is non-nil.
func (s *skiplist) findGE(key []byte, prev *[maxHeight]*node) *node {
	n := s.head
	level := int(s.height.Load()) - 1
	for {
		nxt := n.next(level)
		if nxt != nil && s.cmp(nxt.key, key) < 0 {
			n = nxt
			continue
		}
		if prev != nil {
			prev[level] = n
		}
		if level == 0 {
			return nxt
		}
		level--
	}
}

// findLT returns the last node whose key is < key, or the head node if no
// such node exists.
func (s *skiplist) findLT(key []byte) *node {
	n := s.head
	level := int(s.height.Load()) - 1
	for {
		nxt := n.next(level)
		if nxt != nil && s.cmp(nxt.key, key) < 0 {
			n = nxt
			continue
		}
		if level == 0 {
			return n
		}
		level--
	}
}

func (s *skiplist) findLast() *node {
	n := s.head
	level := int(s.height.Load()) - 1
	for {
		nxt := n.next(level)
		if nxt != nil {
			n = nxt
			continue
		}
		if level == 0 {
			return n
		}
		level--
	}
}

// insert adds a node holding (key, value) to the list. key and value must
// remain unmodified for the life of the list. Only one goroutine may call
// insert at a time.
func (s *skiplist) insert(key, value []byte) error {
	var prev [maxHeight]*node
	if n := s.findGE(key, &prev); n != nil && s.cmp(n.key, key) == 0 {
		return ErrRecordExists
	}

	h := s.randomHeight()
	if lh := int(s.height.Load()); h > lh {
		for i := lh; i < h; i++ {
			prev[i] = s.head
		}
		// Readers that load the old height simply skip the new levels; the
		// level-0 chain stays authoritative.
		s.height.Store(int32(h))
	}

	n := &node{key: key, value: value, tower: make([]atomic.Pointer[node], h)}
	for i := 0; i < h; i++ {
		n.tower[i].Store(prev[i].next(i))
	}
	for i := 0; i < h; i++ {
		prev[i].tower[i].Store(n)
	}
	return nil
}

func (s *skiplist) contains(key []byte) bool {
	n := s.findGE(key, nil)
	return n != nil && s.cmp(n.key, key) == 0
}

// iterator is a bidirectional cursor over the list. It yields the encoded
// keys as stored; for a memtable these are internal keys.
type iterator struct {
	list *skiplist
	n    *node
}

var _ db.Iterator = (*iterator)(nil)

func (i *iterator) SeekGE(key []byte) {
	i.n = i.list.findGE(key, nil)
}

func (i *iterator) First() {
	i.n = i.list.head.next(0)
}

func (i *iterator) Last() {
	i.n = i.list.findLast()
	if i.n == i.list.head {
		i.n = nil
	}
}

func (i *iterator) Next() bool {
	i.n = i.n.next(0)
	return i.n != nil
}

func (i *iterator) Prev() bool {
	i.n = i.list.findLT(i.n.key)
	if i.n == i.list.head {
		i.n = nil
	}
	return i.n != nil
}

func (i *iterator) Key() []byte {
	if i.n == nil {
		return nil
	}
	return i.n.key
}

func (i *iterator) Value() []byte {
	if i.n == nil {
		return nil
	}
	return i.n.value
}

func (i *iterator) Valid() bool {
	return i.n != nil
}

func (i *iterator) Error() error {
	return nil
}

func (i *iterator) Close() error {
	i.n = nil
	return nil
}
