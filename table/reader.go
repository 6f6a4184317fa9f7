// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package table

import (
	"encoding/binary"
	"io"

	"github.com/DataDog/zstd"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"github.com/shaledb/shale/cache"
	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/internal/crc"
	"github.com/shaledb/shale/vfs"
)

var (
	errCorruptBlock  = errors.Mark(errors.New("shale/table: invalid block (bad restart points)"), db.ErrCorruption)
	errReaderClosed  = errors.New("shale/table: reader is closed")
	errBadChecksum   = errors.Mark(errors.New("shale/table: invalid block (checksum mismatch)"), db.ErrCorruption)
	errCorruptIndex  = errors.Mark(errors.New("shale/table: invalid table (corrupt index entry)"), db.ErrCorruption)
	errCorruptFooter = errors.Mark(errors.New("shale/table: invalid table (corrupt footer)"), db.ErrCorruption)
)

// filter is a table's loaded filter block: one filter per filterBase window
// of data block offsets, plus an offsets array locating each filter.
type filter struct {
	data    []byte
	offsets []byte // len(offsets) must be a multiple of 4.
	policy  db.FilterPolicy
	shift   uint32
}

func (f *filter) valid() bool {
	return f.data != nil
}

func (f *filter) init(data []byte, policy db.FilterPolicy) bool {
	if len(data) < 5 {
		return false
	}
	lastOffset := binary.LittleEndian.Uint32(data[len(data)-5:])
	if uint64(lastOffset) > uint64(len(data)-5) {
		return false
	}
	data, offsets, shift := data[:lastOffset], data[lastOffset:len(data)-1], uint32(data[len(data)-1])
	if len(offsets)&3 != 0 {
		return false
	}
	f.data = data
	f.offsets = offsets
	f.policy = policy
	f.shift = shift
	return true
}

// mayContain returns whether the data block starting at blockOffset may
// contain the key. Out-of-range or malformed offsets degrade to true: a
// broken filter must never hide a key.
func (f *filter) mayContain(blockOffset uint64, key []byte) bool {
	index := blockOffset >> f.shift
	if index >= uint64(len(f.offsets)/4-1) {
		return true
	}
	i := binary.LittleEndian.Uint32(f.offsets[4*index+0:])
	j := binary.LittleEndian.Uint32(f.offsets[4*index+4:])
	if i >= j || uint64(j) > uint64(len(f.data)) {
		return true
	}
	return f.policy.MayContain(f.data[i:j], key)
}

// Reader reads a sorted table. It is safe for concurrent use.
type Reader struct {
	file            vfs.File
	err             error
	index           block
	cmp             db.Compare
	comparer        *db.Comparer
	filter          filter
	verifyChecksums bool
	cache           *cache.Cache[[]byte]
	cacheID         uint64
}

// Close releases the reader's resources and closes the underlying file.
func (r *Reader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		if err != nil {
			return err
		}
	}
	if r.err != nil {
		return r.err
	}
	// Make any future calls to Get, NewIter or Close return an error.
	r.err = errReaderClosed
	return nil
}

// Get returns the entry with the smallest key greater than or equal to the
// given key, or db.ErrNotFound if the table contains no such entry. The
// caller is expected to compare the returned key against the one sought:
// for encoded internal keys, equality of the full key is not the right
// test.
//
// If the table has a filter block, a negative filter probe answers the
// lookup without reading any data block.
func (r *Reader) Get(key []byte, ro *db.ReadOptions) (foundKey, value []byte, err error) {
	if r.err != nil {
		return nil, nil, r.err
	}

	index, err := newBlockIter(r.cmp, r.index)
	if err != nil {
		return nil, nil, err
	}
	index.SeekGE(key)
	if !index.Valid() {
		return nil, nil, db.ErrNotFound
	}
	bh, n := decodeBlockHandle(index.Value())
	if n == 0 || n != len(index.Value()) {
		return nil, nil, errCorruptIndex
	}
	if r.filter.valid() && !r.filter.mayContain(bh.offset, key) {
		return nil, nil, db.ErrNotFound
	}

	b, release, err := r.readBlock(bh, ro.GetDontFillCache(), r.verifyChecksums || ro.GetVerifyChecksums())
	if err != nil {
		return nil, nil, err
	}
	var data blockIter
	if err := data.init(r.cmp, b, release); err != nil {
		return nil, nil, err
	}
	data.SeekGE(key)
	if !data.Valid() {
		// The separator in the index can sort after the last key in its
		// block, so an empty seek inside the block means the key is absent.
		err := data.Close()
		if err == nil {
			err = db.ErrNotFound
		}
		return nil, nil, err
	}
	foundKey = append([]byte(nil), data.Key()...)
	value = append([]byte(nil), data.Value()...)
	return foundKey, value, data.Close()
}

// NewIter returns an iterator over the table's entries.
func (r *Reader) NewIter(ro *db.ReadOptions) db.Iterator {
	if r.err != nil {
		return &tableIter{err: r.err}
	}
	i := &tableIter{
		reader:          r,
		dontFillCache:   ro.GetDontFillCache(),
		verifyChecksums: r.verifyChecksums || ro.GetVerifyChecksums(),
	}
	if err := i.index.init(r.cmp, r.index, nil); err != nil {
		return &tableIter{err: err}
	}
	return i
}

// readBlock reads a block from the file, verifying its trailer checksum when
// verifyChecksums is set, and decompressing it. When the reader has a block cache, the uncompressed
// block is looked up before touching the file and inserted after a miss;
// the returned release func unpins the cached block and must be called once
// the caller is done with the data.
func (r *Reader) readBlock(bh blockHandle, dontFillCache, verifyChecksums bool) (block, func(), error) {
	if r.cache != nil {
		if h, ok := r.cache.Lookup(cache.Key{ID: r.cacheID, Offset: bh.offset}); ok {
			release := func() { r.cache.Release(h) }
			return h.Value(), release, nil
		}
	}

	b := make([]byte, bh.length+blockTrailerLen)
	if _, err := r.file.ReadAt(b, int64(bh.offset)); err != nil {
		return nil, nil, err
	}
	if verifyChecksums {
		checksum0 := binary.LittleEndian.Uint32(b[bh.length+1:])
		checksum1 := crc.New(b[:bh.length+1]).Value()
		if checksum0 != checksum1 {
			return nil, nil, errBadChecksum
		}
	}
	switch b[bh.length] {
	case noCompressionBlockType:
		b = b[:bh.length]
	case snappyCompressionBlockType:
		decoded, err := snappy.Decode(nil, b[:bh.length])
		if err != nil {
			return nil, nil, errors.Mark(err, db.ErrCorruption)
		}
		b = decoded
	case zstdCompressionBlockType:
		decoded, err := zstd.Decompress(nil, b[:bh.length])
		if err != nil {
			return nil, nil, errors.Mark(err, db.ErrCorruption)
		}
		b = decoded
	default:
		return nil, nil, errors.Mark(
			errors.Newf("shale/table: unknown block compression: %d", b[bh.length]),
			db.ErrCorruption)
	}

	if r.cache != nil && !dontFillCache {
		h := r.cache.Insert(cache.Key{ID: r.cacheID, Offset: bh.offset}, b, int64(len(b)), nil)
		release := func() { r.cache.Release(h) }
		return b, release, nil
	}
	return b, nil, nil
}

func (r *Reader) readMetaindex(metaindexBH blockHandle, o *db.Options) error {
	fp := o.FilterPolicy
	if fp == nil {
		// The only metaindex entry the reader understands is the filter. With
		// no filter policy configured the whole block can be skipped.
		return nil
	}

	b, _, err := r.readBlock(metaindexBH, true, r.verifyChecksums)
	if err != nil {
		return err
	}
	i, err := newBlockIter(db.DefaultComparer.Compare, b)
	if err != nil {
		return err
	}
	filterName := []byte("filter." + fp.Name())
	filterBH := blockHandle{}
	i.SeekGE(filterName)
	if i.Valid() && db.DefaultComparer.Equal(filterName, i.Key()) {
		var n int
		filterBH, n = decodeBlockHandle(i.Value())
		if n == 0 {
			i.Close()
			return errors.Mark(errors.New("shale/table: invalid table (bad filter block handle)"), db.ErrCorruption)
		}
	}
	if err := i.Close(); err != nil {
		return err
	}

	if filterBH != (blockHandle{}) {
		b, _, err = r.readBlock(filterBH, true, r.verifyChecksums)
		if err != nil {
			return err
		}
		if !r.filter.init(b, fp) {
			return errors.Mark(errors.New("shale/table: invalid table (bad filter block)"), db.ErrCorruption)
		}
	}
	return nil
}

// NewReader returns a new table reader for the file. Closing the reader
// closes the file.
func NewReader(f vfs.File, o *db.Options) (*Reader, error) {
	o = o.EnsureDefaults()
	r := &Reader{
		file:            f,
		cmp:             o.Comparer.Compare,
		comparer:        o.Comparer,
		verifyChecksums: o.ParanoidChecks,
		cache:           o.BlockCache,
	}
	if f == nil {
		return nil, errors.New("shale/table: nil file")
	}
	if r.cache != nil {
		// The per-reader ID keeps this table's blocks distinct from every
		// other table's blocks in a shared cache.
		r.cacheID = r.cache.NewID()
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "shale/table: invalid table (could not stat file)")
	}
	var footer [footerLen]byte
	if stat.Size() < int64(len(footer)) {
		f.Close()
		return nil, errors.Mark(errors.New("shale/table: invalid table (file size is too small)"), db.ErrCorruption)
	}
	_, err = f.ReadAt(footer[:], stat.Size()-int64(len(footer)))
	if err != nil && err != io.EOF {
		f.Close()
		return nil, errors.Wrap(err, "shale/table: invalid table (could not read footer)")
	}
	if string(footer[footerLen-len(magic):]) != magic {
		f.Close()
		return nil, errors.Mark(errors.New("shale/table: invalid table (bad magic number)"), db.ErrCorruption)
	}

	// Read the metaindex, which locates the filter block.
	metaindexBH, n := decodeBlockHandle(footer[:])
	if n == 0 {
		f.Close()
		return nil, errCorruptFooter
	}
	if err := r.readMetaindex(metaindexBH, o); err != nil {
		f.Close()
		return nil, err
	}

	// Read the index into memory. It stays resident for the life of the
	// reader and is not charged to the block cache.
	indexBH, n := decodeBlockHandle(footer[n:])
	if n == 0 {
		f.Close()
		return nil, errCorruptFooter
	}
	r.index, _, err = r.readBlock(indexBH, true, r.verifyChecksums)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// tableIter is a two-level iterator over a whole table: an iterator over
// the index block yields data block handles, and an embedded block iterator
// walks the current data block.
type tableIter struct {
	reader *Reader
	index  blockIter
	data   blockIter
	// dataBH is the handle of the block the data iterator is positioned in.
	// It lets a seek that lands in the already-loaded block skip the block
	// cache entirely.
	dataBH          blockHandle
	err             error
	dontFillCache   bool
	verifyChecksums bool
}

var _ db.Iterator = (*tableIter)(nil)

// loadBlock loads the data block the index iterator is positioned at. It
// returns false on error or if the index iterator is exhausted.
func (i *tableIter) loadBlock() bool {
	if !i.index.Valid() {
		i.clearData()
		return false
	}
	v := i.index.Value()
	bh, n := decodeBlockHandle(v)
	if n == 0 || n != len(v) {
		i.err = errCorruptIndex
		i.clearData()
		return false
	}
	if bh == i.dataBH && i.data.data != nil {
		return true
	}
	b, release, err := i.reader.readBlock(bh, i.dontFillCache, i.verifyChecksums)
	if err != nil {
		i.err = err
		i.clearData()
		return false
	}
	i.data.Close()
	if err := i.data.init(i.reader.cmp, b, release); err != nil {
		i.err = err
		i.clearData()
		return false
	}
	i.dataBH = bh
	return true
}

// clearData invalidates the data iterator, releasing any pinned block.
func (i *tableIter) clearData() {
	i.data.Close()
	i.data = blockIter{offset: -1}
	i.dataBH = blockHandle{}
}

// skipForward moves to the first entry of following blocks until it finds a
// non-empty one. Blocks are never written empty, but a seek past a block's
// last key leaves the data iterator exhausted.
func (i *tableIter) skipForward() {
	for !i.data.Valid() && i.err == nil {
		if !i.index.Next() {
			i.clearData()
			return
		}
		if !i.loadBlock() {
			return
		}
		i.data.First()
	}
}

// skipBackward is the mirror of skipForward.
func (i *tableIter) skipBackward() {
	for !i.data.Valid() && i.err == nil {
		if !i.index.Prev() {
			i.clearData()
			return
		}
		if !i.loadBlock() {
			return
		}
		i.data.Last()
	}
}

// SeekGE implements db.Iterator.
func (i *tableIter) SeekGE(key []byte) {
	if i.err != nil {
		return
	}
	i.index.SeekGE(key)
	if !i.loadBlock() {
		return
	}
	i.data.SeekGE(key)
	i.skipForward()
}

// First implements db.Iterator.
func (i *tableIter) First() {
	if i.err != nil {
		return
	}
	i.index.First()
	if !i.loadBlock() {
		return
	}
	i.data.First()
	i.skipForward()
}

// Last implements db.Iterator.
func (i *tableIter) Last() {
	if i.err != nil {
		return
	}
	i.index.Last()
	if !i.loadBlock() {
		return
	}
	i.data.Last()
	i.skipBackward()
}

// Next implements db.Iterator.
func (i *tableIter) Next() bool {
	if i.err != nil || i.data.data == nil {
		return false
	}
	if i.data.Next() {
		return true
	}
	i.skipForward()
	return i.Valid()
}

// Prev implements db.Iterator.
func (i *tableIter) Prev() bool {
	if i.err != nil || i.data.data == nil {
		return false
	}
	if i.data.Prev() {
		return true
	}
	i.skipBackward()
	return i.Valid()
}

// Key implements db.Iterator.
func (i *tableIter) Key() []byte {
	return i.data.Key()
}

// Value implements db.Iterator.
func (i *tableIter) Value() []byte {
	return i.data.Value()
}

// Valid implements db.Iterator.
func (i *tableIter) Valid() bool {
	return i.err == nil && i.data.Valid()
}

// Error implements db.Iterator.
func (i *tableIter) Error() error {
	if i.err != nil {
		return i.err
	}
	if err := i.data.Error(); err != nil {
		return err
	}
	return i.index.Error()
}

// Close implements db.Iterator.
func (i *tableIter) Close() error {
	i.data.Close()
	i.index.Close()
	if i.err != nil {
		return i.err
	}
	return i.data.err
}
