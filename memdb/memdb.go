// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package memdb provides the memtable: an in-memory ordered buffer of
// internal-key entries over an arena-backed skip list. A single goroutine
// writes; readers run concurrently without locks.
package memdb

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/internal/arena"
	"github.com/shaledb/shale/internal/base"
)

// MemTable buffers recent writes before they are flushed to a sorted table.
// It is reference counted: the engine holds one reference for the mutable
// memtable and takes an additional reference for the duration of a flush or
// a read.
type MemTable struct {
	ucmp  *db.Comparer
	list  *skiplist
	arena *arena.Arena
	refs  atomic.Int32
}

// New returns an empty memtable ordered by the internal-key lifting of ucmp,
// with one reference held by the caller.
func New(ucmp *db.Comparer) *MemTable {
	m := &MemTable{
		ucmp:  ucmp,
		arena: arena.New(),
	}
	m.list = newSkiplist(func(a, b []byte) int {
		return base.InternalCompare(ucmp.Compare, a, b)
	})
	m.refs.Store(1)
	return m
}

// Ref takes a reference.
func (m *MemTable) Ref() {
	m.refs.Add(1)
}

// Unref releases a reference. The memtable must not be used again once the
// last reference is released.
func (m *MemTable) Unref() {
	if v := m.refs.Add(-1); v < 0 {
		panic("shale/memdb: negative refcount")
	}
}

// Add inserts one entry. Entries are stored contiguously in the arena as
//
//	varint(klen+8) ‖ user_key ‖ trailer(8) ‖ varint(vlen) ‖ value
//
// The (seqNum, kind) pair must be unique over the life of the memtable.
func (m *MemTable) Add(seqNum uint64, kind base.InternalKeyKind, ukey, value []byte) error {
	ikeyLen := len(ukey) + base.InternalTrailerLen
	var hdr [2 * binary.MaxVarintLen32]byte
	n1 := binary.PutUvarint(hdr[:], uint64(ikeyLen))
	n2 := binary.PutUvarint(hdr[n1:], uint64(len(value)))

	buf := m.arena.Alloc(n1 + ikeyLen + n2 + len(value))
	copy(buf, hdr[:n1])
	ikey := buf[n1 : n1+ikeyLen : n1+ikeyLen]
	copy(ikey, ukey)
	binary.LittleEndian.PutUint64(ikey[len(ukey):], base.MakeTrailer(seqNum, kind))
	copy(buf[n1+ikeyLen:], hdr[n1:n1+n2])
	val := buf[n1+ikeyLen+n2:]
	copy(val, value)

	return m.list.insert(ikey, val)
}

// Get looks up the newest entry for key with sequence number <= seqNum.
// If that entry is a deletion, Get returns (nil, true, ErrNotFound): the
// lookup is conclusive and deeper layers must not be consulted.
func (m *MemTable) Get(key []byte, seqNum uint64) (value []byte, found bool, err error) {
	search := base.MakeSearchKey(nil, key, seqNum)
	n := m.list.findGE(search, nil)
	if n == nil {
		return nil, false, nil
	}
	ukey, _, kind, _ := base.DecodeInternalKey(n.key)
	if m.ucmp.Compare(ukey, key) != 0 {
		return nil, false, nil
	}
	if kind == base.InternalKeyKindDelete {
		return nil, true, db.ErrNotFound
	}
	return n.value, true, nil
}

// NewIter returns a bidirectional iterator over the memtable. Its Key method
// returns encoded internal keys; merging across layers happens at the
// internal-key level.
func (m *MemTable) NewIter() db.Iterator {
	return &iterator{list: m.list}
}

// Empty reports whether the memtable holds no entries.
func (m *MemTable) Empty() bool {
	return m.list.head.next(0) == nil
}

// ApproximateMemoryUsage returns the arena footprint. The engine compares it
// against Options.WriteBufferSize to decide when to flush.
func (m *MemTable) ApproximateMemoryUsage() int64 {
	return m.arena.MemoryUsage()
}
