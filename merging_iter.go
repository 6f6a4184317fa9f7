// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shale

import (
	"github.com/cockroachdb/errors"

	"github.com/shaledb/shale/db"
)

// mergingIter merges a number of child iterators into a single sorted view.
// When two children hold equal keys, the child with the smaller index wins,
// so ordering the children from newest source to oldest gives the newest
// entry precedence.
type mergingIter struct {
	cmp db.Compare
	// iters are the child iterators. index is the index of the current child,
	// or -1 if the merged iterator is not positioned.
	iters []db.Iterator
	index int
	// dir is +1 when iterating forwards, -1 backwards. Switching direction
	// requires repositioning every child around the current key.
	dir int
	err error
}

var _ db.Iterator = (*mergingIter)(nil)

// newMergingIter returns an iterator that merges its input. Walking the
// resultant iterator will return all key/value pairs of all input iterators
// in increasing key order, as defined by cmp. Equal keys from different
// children are all returned, the lowest-index child's first.
//
// None of the iters may be nil.
func newMergingIter(cmp db.Compare, iters ...db.Iterator) *mergingIter {
	return &mergingIter{
		cmp:   cmp,
		iters: iters,
		index: -1,
		dir:   1,
	}
}

// findSmallest positions the iterator at the child with the smallest current
// key. Ties go to the lowest index.
func (m *mergingIter) findSmallest() {
	m.index = -1
	for i, t := range m.iters {
		if !t.Valid() {
			if err := t.Error(); err != nil {
				m.err = err
				m.index = -1
				return
			}
			continue
		}
		if m.index < 0 || m.cmp(t.Key(), m.iters[m.index].Key()) < 0 {
			m.index = i
		}
	}
}

// findLargest positions the iterator at the child with the largest current
// key. Ties go to the lowest index.
func (m *mergingIter) findLargest() {
	m.index = -1
	for i, t := range m.iters {
		if !t.Valid() {
			if err := t.Error(); err != nil {
				m.err = err
				m.index = -1
				return
			}
			continue
		}
		if m.index < 0 || m.cmp(t.Key(), m.iters[m.index].Key()) > 0 {
			m.index = i
		}
	}
}

// SeekGE implements db.Iterator.
func (m *mergingIter) SeekGE(key []byte) {
	if m.err != nil {
		return
	}
	for _, t := range m.iters {
		t.SeekGE(key)
	}
	m.dir = 1
	m.findSmallest()
}

// First implements db.Iterator.
func (m *mergingIter) First() {
	if m.err != nil {
		return
	}
	for _, t := range m.iters {
		t.First()
	}
	m.dir = 1
	m.findSmallest()
}

// Last implements db.Iterator.
func (m *mergingIter) Last() {
	if m.err != nil {
		return
	}
	for _, t := range m.iters {
		t.Last()
	}
	m.dir = -1
	m.findLargest()
}

// Next implements db.Iterator.
func (m *mergingIter) Next() bool {
	if m.err != nil || m.index < 0 {
		return false
	}

	if m.dir != 1 {
		// Switching from backward to forward iteration. The current child is
		// positioned at the current key; every other child must be moved to
		// the first entry after it.
		key := m.iters[m.index].Key()
		for i, t := range m.iters {
			if i == m.index {
				continue
			}
			t.SeekGE(key)
			if t.Valid() && m.cmp(t.Key(), key) == 0 {
				t.Next()
			}
		}
		m.dir = 1
	}

	m.iters[m.index].Next()
	m.findSmallest()
	return m.index >= 0
}

// Prev implements db.Iterator.
func (m *mergingIter) Prev() bool {
	if m.err != nil || m.index < 0 {
		return false
	}

	if m.dir != -1 {
		// Switching from forward to backward iteration. Every other child
		// must be moved to the last entry before the current key.
		key := m.iters[m.index].Key()
		for i, t := range m.iters {
			if i == m.index {
				continue
			}
			t.SeekGE(key)
			if t.Valid() {
				// The child is at the first entry >= key; the entry before it
				// is the last entry < key.
				t.Prev()
			} else {
				// All of the child's entries are < key.
				t.Last()
			}
		}
		m.dir = -1
	}

	m.iters[m.index].Prev()
	m.findLargest()
	return m.index >= 0
}

// Key implements db.Iterator.
func (m *mergingIter) Key() []byte {
	if m.index < 0 || m.err != nil {
		return nil
	}
	return m.iters[m.index].Key()
}

// Value implements db.Iterator.
func (m *mergingIter) Value() []byte {
	if m.index < 0 || m.err != nil {
		return nil
	}
	return m.iters[m.index].Value()
}

// Valid implements db.Iterator.
func (m *mergingIter) Valid() bool {
	return m.index >= 0 && m.err == nil
}

// Error implements db.Iterator.
func (m *mergingIter) Error() error {
	return m.err
}

// Close implements db.Iterator.
func (m *mergingIter) Close() error {
	for _, t := range m.iters {
		err := t.Close()
		if err != nil && m.err == nil {
			m.err = err
		}
	}
	m.iters = nil
	if m.err != nil {
		return errors.Wrap(m.err, "shale: merging iterator")
	}
	return nil
}
