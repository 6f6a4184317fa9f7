// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shale

import (
	"encoding/binary"

	"github.com/shaledb/shale/internal/base"
)

const batchHeaderLen = 12

const invalidBatchCount = 1<<32 - 1

// Batch is a sequence of Sets and/or Deletes that are applied atomically. The
// accumulated representation is also the record appended to the write-ahead
// log, so its layout is part of the on-disk format:
//
//	sequence number (8 bytes, little endian)
//	count (4 bytes, little endian)
//	count entries, where each entry is:
//	   kind (1 byte)
//	   key (uvarint-prefixed)
//	   value (uvarint-prefixed, iff kind is Set)
//
// The sequence number is zero while the batch accumulates entries; it is
// assigned when the batch is applied to a database.
type Batch struct {
	data []byte
}

// Set adds an action to the batch that sets the key to map to the value.
func (b *Batch) Set(key, value []byte) {
	if len(b.data) == 0 {
		b.init(len(key) + len(value) + 2*binary.MaxVarintLen64 + batchHeaderLen + 1)
	}
	if b.increment() {
		b.data = append(b.data, byte(base.InternalKeyKindSet))
		b.appendStr(key)
		b.appendStr(value)
	}
}

// Delete adds an action to the batch that deletes the entry for key.
func (b *Batch) Delete(key []byte) {
	if len(b.data) == 0 {
		b.init(len(key) + binary.MaxVarintLen64 + batchHeaderLen + 1)
	}
	if b.increment() {
		b.data = append(b.data, byte(base.InternalKeyKindDelete))
		b.appendStr(key)
	}
}

// Clear empties the batch for reuse. The next Set or Delete allocates fresh
// storage.
func (b *Batch) Clear() {
	b.data = b.data[:0]
}

// Empty reports whether the batch contains no entries.
func (b *Batch) Empty() bool {
	return len(b.data) <= batchHeaderLen
}

// ApproximateSize returns the size of the batch representation, header
// included. It is the number of bytes the batch will occupy in the log.
func (b *Batch) ApproximateSize() int {
	if len(b.data) == 0 {
		return batchHeaderLen
	}
	return len(b.data)
}

func (b *Batch) init(cap int) {
	n := batchHeaderLen
	for n < cap {
		n *= 2
	}
	b.data = make([]byte, batchHeaderLen, n)
}

// increment bumps the count in the header. Once the count saturates, the
// batch is poisoned and Apply will reject it.
func (b *Batch) increment() (ok bool) {
	p := b.data[8:12]
	x := binary.LittleEndian.Uint32(p)
	x++
	if x == 0 {
		// The count wrapped around. Leave it at the invalid sentinel.
		p[0], p[1], p[2], p[3] = 0xff, 0xff, 0xff, 0xff
		return false
	}
	binary.LittleEndian.PutUint32(p, x)
	return true
}

func (b *Batch) appendStr(s []byte) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	b.data = append(b.data, buf[:n]...)
	b.data = append(b.data, s...)
}

func (b *Batch) setSeqNum(seqNum uint64) {
	binary.LittleEndian.PutUint64(b.data[:8], seqNum)
}

func (b *Batch) seqNum() uint64 {
	return binary.LittleEndian.Uint64(b.data[:8])
}

func (b *Batch) count() uint32 {
	return binary.LittleEndian.Uint32(b.data[8:12])
}

func (b *Batch) iter() batchIter {
	return b.data[batchHeaderLen:]
}

// batchIter walks the entries of a batch representation.
type batchIter []byte

// next returns the next entry in the batch, if there is one. The kind is
// base.InternalKeyKindInvalid if the iterator is exhausted or the entry is
// malformed.
func (t *batchIter) next() (kind base.InternalKeyKind, ukey []byte, value []byte, ok bool) {
	p := *t
	if len(p) == 0 {
		return base.InternalKeyKindInvalid, nil, nil, false
	}
	kind, *t = base.InternalKeyKind(p[0]), p[1:]
	if kind > base.InternalKeyKindMax {
		return base.InternalKeyKindInvalid, nil, nil, false
	}
	ukey, ok = t.nextStr()
	if !ok {
		return base.InternalKeyKindInvalid, nil, nil, false
	}
	if kind != base.InternalKeyKindDelete {
		value, ok = t.nextStr()
		if !ok {
			return base.InternalKeyKindInvalid, nil, nil, false
		}
	}
	return kind, ukey, value, true
}

func (t *batchIter) nextStr() (s []byte, ok bool) {
	p := *t
	u, numBytes := binary.Uvarint(p)
	if numBytes <= 0 {
		return nil, false
	}
	p = p[numBytes:]
	if u > uint64(len(p)) {
		return nil, false
	}
	s, *t = p[:u], p[u:]
	return s, true
}
