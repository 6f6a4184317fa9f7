// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package table

import (
	"encoding/binary"
	"sort"

	"github.com/shaledb/shale/db"
)

// blockWriter accumulates prefix-compressed entries for one block. Keys must
// be added in increasing order.
type blockWriter struct {
	restartInterval int
	nEntries        int
	buf             []byte
	restarts        []uint32
	prevKey         []byte
	tmp             [3 * binary.MaxVarintLen64]byte
}

func (w *blockWriter) add(key, value []byte) {
	shared := 0
	if w.nEntries%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = db.SharedPrefixLen(w.prevKey, key)
	}
	w.prevKey = append(w.prevKey[:0], key...)

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(key)-shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, key[shared:]...)
	w.buf = append(w.buf, value...)

	w.nEntries++
}

// finish appends the restart array, returning the completed block payload.
func (w *blockWriter) finish() []byte {
	// Every block must have at least one restart point.
	if w.nEntries == 0 {
		w.restarts = append(w.restarts[:0], 0)
	}
	tmp4 := w.tmp[:4]
	for _, x := range w.restarts {
		binary.LittleEndian.PutUint32(tmp4, x)
		w.buf = append(w.buf, tmp4...)
	}
	binary.LittleEndian.PutUint32(tmp4, uint32(len(w.restarts)))
	w.buf = append(w.buf, tmp4...)
	return w.buf
}

// estimatedSize is the block size if it were finished now.
func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

func (w *blockWriter) reset() {
	w.nEntries = 0
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
	w.prevKey = w.prevKey[:0]
}

func (w *blockWriter) empty() bool {
	return w.nEntries == 0
}

// block is a []byte holding a sequence of prefix-compressed key/value
// entries plus a restart-point index over those entries.
type block []byte

type blockEntry struct {
	offset int
	key    []byte
	val    []byte
}

// blockIter is an iterator over a single block of data.
type blockIter struct {
	cmp         db.Compare
	offset      int
	nextOffset  int
	restarts    int
	numRestarts int
	data        []byte
	key, val    []byte
	err         error
	// cached entries back up backward iteration between two restart points.
	cached    []blockEntry
	cachedBuf []byte
	// release unpins the underlying block from the cache, if it came from
	// one.
	release func()
}

var _ db.Iterator = (*blockIter)(nil)

func newBlockIter(cmp db.Compare, b block) (*blockIter, error) {
	i := &blockIter{}
	return i, i.init(cmp, b, nil)
}

func (i *blockIter) init(cmp db.Compare, b block, release func()) error {
	if len(b) < 4 {
		return errCorruptBlock
	}
	numRestarts := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	if numRestarts == 0 || len(b) < 4*(1+numRestarts) {
		return errCorruptBlock
	}
	*i = blockIter{
		cmp:         cmp,
		restarts:    len(b) - 4*(1+numRestarts),
		numRestarts: numRestarts,
		data:        b,
		key:         make([]byte, 0, 256),
		release:     release,
	}
	return nil
}

func (i *blockIter) readEntry() {
	shared, n := binary.Uvarint(i.data[i.offset:])
	i.nextOffset = i.offset + n
	unshared, n := binary.Uvarint(i.data[i.nextOffset:])
	i.nextOffset += n
	value, n := binary.Uvarint(i.data[i.nextOffset:])
	i.nextOffset += n
	i.key = append(i.key[:shared], i.data[i.nextOffset:i.nextOffset+int(unshared)]...)
	i.key = i.key[:len(i.key):len(i.key)]
	i.nextOffset += int(unshared)
	i.val = i.data[i.nextOffset : i.nextOffset+int(value) : i.nextOffset+int(value)]
	i.nextOffset += int(value)
}

func (i *blockIter) clearCache() {
	i.cached = i.cached[:0]
	i.cachedBuf = i.cachedBuf[:0]
}

func (i *blockIter) cacheEntry() {
	i.cachedBuf = append(i.cachedBuf, i.key...)
	i.cached = append(i.cached, blockEntry{
		offset: i.offset,
		key:    i.cachedBuf[len(i.cachedBuf)-len(i.key) : len(i.cachedBuf) : len(i.cachedBuf)],
		val:    i.val,
	})
}

// restartKey returns the full key stored at the j'th restart point.
func (i *blockIter) restartKey(j int) []byte {
	offset := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
	// For a restart point, there are 0 bytes shared with the previous key.
	// The varint encoding of 0 occupies 1 byte.
	offset++
	v1, n1 := binary.Uvarint(i.data[offset:])
	_, n2 := binary.Uvarint(i.data[offset+n1:])
	m := offset + n1 + n2
	return i.data[m : m+int(v1)]
}

// SeekGE implements db.Iterator.
func (i *blockIter) SeekGE(key []byte) {
	i.clearCache()
	// Find the index of the smallest restart point whose key is > the key
	// sought; index will be numRestarts if there is no such restart point.
	index := sort.Search(i.numRestarts, func(j int) bool {
		return i.cmp(i.restartKey(j), key) > 0
	})
	// Since keys are strictly increasing, if index > 0 then the restart
	// point at index-1 will be the largest whose key is <= the key sought.
	// If index == 0, then all keys in this block are larger than the key
	// sought, and offset remains at zero.
	i.offset = 0
	if index > 0 {
		i.offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(index-1):]))
	}
	i.readEntry()

	for i.Valid() && i.cmp(i.key, key) < 0 {
		if !i.Next() {
			return
		}
	}
}

// First implements db.Iterator.
func (i *blockIter) First() {
	i.clearCache()
	i.offset = 0
	i.readEntry()
}

// Last implements db.Iterator.
func (i *blockIter) Last() {
	// Walk forward from the last restart point, caching entries so Prev can
	// retrace.
	i.offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(i.numRestarts-1):]))
	i.readEntry()
	i.clearCache()
	i.cacheEntry()

	for i.nextOffset < i.restarts {
		i.offset = i.nextOffset
		i.readEntry()
		i.cacheEntry()
	}
}

// Next implements db.Iterator.
func (i *blockIter) Next() bool {
	i.offset = i.nextOffset
	if !i.Valid() {
		return false
	}
	i.readEntry()
	return true
}

// Prev implements db.Iterator.
func (i *blockIter) Prev() bool {
	if n := len(i.cached) - 1; n > 0 && i.cached[n].offset == i.offset {
		i.nextOffset = i.offset
		e := &i.cached[n-1]
		i.offset = e.offset
		i.key = append(i.key[:0], e.key...)
		i.val = e.val
		i.cached = i.cached[:n]
		return true
	}

	if i.offset == 0 {
		i.offset = -1
		i.nextOffset = 0
		return false
	}

	// Walk forward from the nearest restart point before the current entry,
	// caching the entries passed over.
	targetOffset := i.offset
	index := sort.Search(i.numRestarts, func(j int) bool {
		offset := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
		return offset >= targetOffset
	})
	i.offset = 0
	if index > 0 {
		i.offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(index-1):]))
	}

	i.readEntry()
	i.clearCache()
	i.cacheEntry()

	for i.nextOffset < targetOffset {
		i.offset = i.nextOffset
		i.readEntry()
		i.cacheEntry()
	}
	return true
}

// Key implements db.Iterator.
func (i *blockIter) Key() []byte {
	if !i.Valid() {
		return nil
	}
	return i.key
}

// Value implements db.Iterator.
func (i *blockIter) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.val
}

// Valid implements db.Iterator.
func (i *blockIter) Valid() bool {
	return i.offset >= 0 && i.offset < i.restarts
}

// Error implements db.Iterator.
func (i *blockIter) Error() error {
	return i.err
}

// Close implements db.Iterator.
func (i *blockIter) Close() error {
	if i.release != nil {
		i.release()
		i.release = nil
	}
	i.val = nil
	return i.err
}
