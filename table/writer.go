// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package table

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/DataDog/zstd"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/internal/crc"
	"github.com/shaledb/shale/vfs"
)

type filterWriter struct {
	policy db.FilterPolicy
	// block holds the keys added since the last filter was emitted. The
	// buffers are re-used from one filter to the next.
	block struct {
		data    []byte
		lengths []int
		keys    [][]byte
	}
	// data and offsets accumulate the filter block for the overall table.
	data    []byte
	offsets []uint32
}

func (f *filterWriter) hasKeys() bool {
	return len(f.block.lengths) != 0
}

func (f *filterWriter) appendKey(key []byte) {
	f.block.data = append(f.block.data, key...)
	f.block.lengths = append(f.block.lengths, len(key))
}

func (f *filterWriter) appendOffset() error {
	o := len(f.data)
	if uint64(o) > 1<<32-1 {
		return errors.New("shale/table: filter data is too long")
	}
	f.offsets = append(f.offsets, uint32(o))
	return nil
}

func (f *filterWriter) emit() error {
	if err := f.appendOffset(); err != nil {
		return err
	}
	if !f.hasKeys() {
		return nil
	}

	i, j := 0, 0
	for _, length := range f.block.lengths {
		j += length
		f.block.keys = append(f.block.keys, f.block.data[i:j])
		i = j
	}
	f.data = f.policy.AppendFilter(f.data, f.block.keys)

	f.block.data = f.block.data[:0]
	f.block.lengths = f.block.lengths[:0]
	f.block.keys = f.block.keys[:0]
	return nil
}

// finishBlock emits a filter for every filter window the table has grown
// past. A window that saw no keys produces an empty filter, keeping the
// offsets array indexable by blockOffset>>filterBaseLog.
func (f *filterWriter) finishBlock(blockOffset uint64) error {
	for i := blockOffset >> filterBaseLog; i > uint64(len(f.offsets)); {
		if err := f.emit(); err != nil {
			return err
		}
	}
	return nil
}

func (f *filterWriter) finish() ([]byte, error) {
	if f.hasKeys() {
		if err := f.emit(); err != nil {
			return nil, err
		}
	}
	if err := f.appendOffset(); err != nil {
		return nil, err
	}

	var b [4]byte
	for _, x := range f.offsets {
		binary.LittleEndian.PutUint32(b[:], x)
		f.data = append(f.data, b[0], b[1], b[2], b[3])
	}
	f.data = append(f.data, filterBaseLog)
	return f.data, nil
}

// Writer writes a sorted table. Keys must be added in strictly increasing
// order under the configured comparer; once the table is finished with Close
// it is immutable.
type Writer struct {
	file      vfs.File
	writer    io.Writer
	bufWriter *bufio.Writer
	err       error

	cmp         *db.Comparer
	compression db.Compression
	blockSize   int

	// block accumulates the current data block. indexBlock accumulates the
	// index, one separator entry per finished data block, with a restart
	// interval of 1 so each separator is stored in full.
	block      blockWriter
	indexBlock blockWriter

	// A finished block cannot be added to the index until the first key of
	// the next block is known: the index entry holds a separator between the
	// two. pendingBH is the handle of a finished block waiting for that key.
	pendingBH blockHandle

	// offset is the file offset of the next block to be written.
	offset uint64

	// prevKey is a copy of the key most recently passed to Add.
	prevKey []byte

	filter filterWriter

	// compressedBuf is re-used for each compressed block.
	compressedBuf []byte

	// tmp is large enough for a footer, a block trailer or an encoded block
	// handle.
	tmp [footerLen]byte
}

// Add adds a key/value pair to the table being written. Keys must be added
// in strictly increasing order.
func (w *Writer) Add(key, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.cmp.Compare(w.prevKey, key) >= 0 {
		w.err = errors.Mark(
			errors.Newf("shale/table: Add called in non-increasing key order: %q, %q", w.prevKey, key),
			db.ErrInvalidArgument)
		return w.err
	}
	if w.filter.policy != nil {
		w.filter.appendKey(key)
	}
	w.flushPendingBH(key)
	w.prevKey = append(w.prevKey[:0], key...)
	w.block.add(key, value)
	if w.block.estimatedSize() >= w.blockSize {
		bh, err := w.finishBlock(&w.block)
		if err != nil {
			w.err = err
			return w.err
		}
		w.pendingBH = bh
	}
	return nil
}

// flushPendingBH adds any pending block handle to the index block. key is
// the first key of the next data block, or nil when the table is being
// finished.
func (w *Writer) flushPendingBH(key []byte) {
	if w.pendingBH.length == 0 {
		// A valid blockHandle has a non-zero length.
		return
	}
	var sep []byte
	if key == nil {
		sep = w.cmp.Successor(nil, w.prevKey)
	} else {
		sep = w.cmp.Separator(nil, w.prevKey, key)
	}
	n := encodeBlockHandle(w.tmp[:], w.pendingBH)
	w.indexBlock.add(sep, w.tmp[:n])
	w.pendingBH = blockHandle{}
}

// finishBlock finishes the given block, writes it to the file and returns
// its handle.
func (w *Writer) finishBlock(block *blockWriter) (blockHandle, error) {
	b := block.finish()
	blockType := byte(noCompressionBlockType)
	// Compression is kept only if it shrinks the block by more than 12.5%.
	switch w.compression {
	case db.SnappyCompression:
		compressed := snappy.Encode(w.compressedBuf, b)
		w.compressedBuf = compressed[:cap(compressed)]
		if len(compressed) < len(b)-len(b)/8 {
			blockType = snappyCompressionBlockType
			b = compressed
		}
	case db.ZstdCompression:
		compressed, err := zstd.Compress(w.compressedBuf[:0], b)
		if err != nil {
			return blockHandle{}, err
		}
		w.compressedBuf = compressed[:cap(compressed)]
		if len(compressed) < len(b)-len(b)/8 {
			blockType = zstdCompressionBlockType
			b = compressed
		}
	}
	bh, err := w.writeRawBlock(b, blockType)

	if block == &w.block && w.filter.policy != nil {
		if err := w.filter.finishBlock(w.offset); err != nil {
			return blockHandle{}, err
		}
	}

	block.reset()
	return bh, err
}

func (w *Writer) writeRawBlock(b []byte, blockType byte) (blockHandle, error) {
	w.tmp[0] = blockType

	// The trailer checksum covers the block payload and the type byte.
	checksum := crc.New(b).Update(w.tmp[:1]).Value()
	binary.LittleEndian.PutUint32(w.tmp[1:5], checksum)

	if _, err := w.writer.Write(b); err != nil {
		return blockHandle{}, err
	}
	if _, err := w.writer.Write(w.tmp[:blockTrailerLen]); err != nil {
		return blockHandle{}, err
	}
	bh := blockHandle{w.offset, uint64(len(b))}
	w.offset += uint64(len(b)) + blockTrailerLen
	return bh, nil
}

// Size returns the number of bytes written to the file so far. After Close
// it is the final size of the table.
func (w *Writer) Size() uint64 {
	return w.offset
}

// Close finishes writing the table, including the filter block, metaindex
// block, index block and footer, and then closes the file. It is safe to
// call Close multiple times.
func (w *Writer) Close() (err error) {
	defer func() {
		if w.file == nil {
			return
		}
		err1 := w.file.Close()
		if err == nil {
			err = err1
		}
		w.file = nil
	}()
	if w.err != nil {
		return w.err
	}

	// Finish the last data block, or force an empty data block if there are
	// no data blocks at all.
	w.flushPendingBH(nil)
	if !w.block.empty() || w.indexBlock.empty() {
		bh, err := w.finishBlock(&w.block)
		if err != nil {
			w.err = err
			return w.err
		}
		w.pendingBH = bh
		w.flushPendingBH(nil)
	}

	// Write the filter block.
	var metaindex blockWriter
	metaindex.restartInterval = 1
	if w.filter.policy != nil {
		b, err := w.filter.finish()
		if err != nil {
			w.err = err
			return w.err
		}
		bh, err := w.writeRawBlock(b, noCompressionBlockType)
		if err != nil {
			w.err = err
			return w.err
		}
		n := encodeBlockHandle(w.tmp[:], bh)
		metaindex.add([]byte("filter."+w.filter.policy.Name()), w.tmp[:n])
	}

	// Write the metaindex block. It is empty if there is no filter policy.
	metaindexBH, err := w.finishBlock(&metaindex)
	if err != nil {
		w.err = err
		return w.err
	}

	// Write the index block.
	indexBH, err := w.finishBlock(&w.indexBlock)
	if err != nil {
		w.err = err
		return w.err
	}

	// Write the table footer.
	footer := w.tmp[:footerLen]
	for i := range footer {
		footer[i] = 0
	}
	n := encodeBlockHandle(footer, metaindexBH)
	encodeBlockHandle(footer[n:], indexBH)
	copy(footer[footerLen-len(magic):], magic)
	if _, err := w.writer.Write(footer); err != nil {
		w.err = err
		return w.err
	}
	w.offset += footerLen

	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			w.err = err
			return err
		}
	}

	// Make future calls to Add or Close return an error.
	w.err = errors.New("shale/table: writer is closed")
	return nil
}

// NewWriter returns a new table writer for the file. Closing the writer
// closes the file.
func NewWriter(f vfs.File, o *db.Options) *Writer {
	o = o.EnsureDefaults()
	w := &Writer{
		file:        f,
		cmp:         o.GetComparer(),
		compression: o.Compression,
		blockSize:   o.BlockSize,
		block: blockWriter{
			restartInterval: o.BlockRestartInterval,
		},
		indexBlock: blockWriter{
			restartInterval: 1,
		},
		filter: filterWriter{
			policy: o.FilterPolicy,
		},
		prevKey: make([]byte, 0, 256),
	}
	if f == nil {
		w.err = errors.New("shale/table: nil file")
		return w
	}
	// If f does not have a Flush method, do our own buffering.
	type flusher interface {
		Flush() error
	}
	if _, ok := f.(flusher); ok {
		w.writer = f
	} else {
		w.bufWriter = bufio.NewWriter(f)
		w.writer = w.bufWriter
	}
	return w
}
