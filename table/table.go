// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package table reads and writes sorted tables: immutable on-disk files of
// key/value entries in sorted order.
//
// A table is a series of blocks followed by a fixed-size footer:
//
//	[data block 0]
//	[data block 1]
//	...
//	[data block N]
//	[filter block]
//	[metaindex block]
//	[index block]
//	[footer]
//
// Each block holds prefix-compressed entries:
//
//	varint(shared) ‖ varint(non_shared) ‖ varint(vlen) ‖ key_delta ‖ value
//
// and ends with an array of fixed-32 restart offsets followed by their
// fixed-32 count. At a restart point the full key is stored (shared == 0),
// so a block can be binary searched by restart point. Every block is
// followed on disk by a 5-byte trailer: a compression type byte and a
// masked CRC-32C over the payload and the type byte.
//
// The index block maps separator keys to the block handles of the data
// blocks; the metaindex block maps meta block names (currently only
// "filter.<policy>") to their handles. The footer holds the metaindex and
// index handles, zero padded, then the table magic.
//
// Keys in a table written by the engine are encoded internal keys, and the
// comparer configured on the Writer and Reader must order them; the package
// itself treats keys as opaque bytes.
package table

import "encoding/binary"

const (
	blockTrailerLen = 5

	// A block handle is at most two max-length varints.
	blockHandleMaxLen = 10 + 10
	footerLen         = 2*blockHandleMaxLen + 8

	magic = "\x57\xfb\x80\x8b\x24\x75\x47\xdb"

	noCompressionBlockType     = 0
	snappyCompressionBlockType = 1
	zstdCompressionBlockType   = 2

	// filterBaseLog being 11 means a new filter is generated for every 2KiB
	// of data offset, whilst the default block size is 4KiB, so in practice
	// every second filter window is empty. Both values match the persisted
	// format.
	filterBaseLog = 11
)

// blockHandle is the file offset and length of a block. The length does not
// include the trailer.
type blockHandle struct {
	offset, length uint64
}

// decodeBlockHandle returns the block handle encoded at the start of src, as
// well as the number of bytes it occupies. It returns zero if given invalid
// input.
func decodeBlockHandle(src []byte) (blockHandle, int) {
	offset, n := binary.Uvarint(src)
	length, m := binary.Uvarint(src[n:])
	if n == 0 || m <= 0 {
		return blockHandle{}, 0
	}
	return blockHandle{offset, length}, n + m
}

func encodeBlockHandle(dst []byte, b blockHandle) int {
	n := binary.PutUvarint(dst, b.offset)
	m := binary.PutUvarint(dst[n:], b.length)
	return n + m
}
