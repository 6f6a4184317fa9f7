// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package crc implements the checksum algorithm used throughout the storage
// engine: the write-ahead log records and the sorted-table block trailers.
//
// The algorithm is CRC-32 with Castagnoli's polynomial, followed by a bit
// rotation and an additional delta. The additional processing is to lessen
// the probability of arbitrary key/value data coincidentally containing
// bytes that look like a checksum.
package crc

import "hash/crc32"

// CRC is a small convenience wrapper for computing masked checksums
// incrementally.
type CRC uint32

const magic = 0xa282ead8

var table = crc32.MakeTable(crc32.Castagnoli)

// New computes the running checksum of b.
func New(b []byte) CRC {
	return CRC(0).Update(b)
}

// Update extends the running checksum with b.
func (c CRC) Update(b []byte) CRC {
	return CRC(crc32.Update(uint32(c), table, b))
}

// Value returns the masked form of the running checksum, suitable for
// storing on disk. All-zero bytes do not hash to a valid stored checksum.
func (c CRC) Value() uint32 {
	return uint32(c>>15|c<<17) + magic
}
