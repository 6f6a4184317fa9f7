// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package bloom implements Bloom filters.
package bloom

import (
	"github.com/shaledb/shale/db"
)

// FilterPolicy implements the db.FilterPolicy interface from the db package.
//
// The integer value is the approximate number of bits used per key. A good
// value is 10, which yields a filter with ~1% false positive rate.
type FilterPolicy int

var _ db.FilterPolicy = FilterPolicy(0)

// Name implements the db.FilterPolicy interface.
func (p FilterPolicy) Name() string {
	return "shale.BloomFilter"
}

// AppendFilter implements the db.FilterPolicy interface.
//
// The encoded filter is a bit array followed by a single byte holding the
// number of probes. The probe positions for a key are derived from one hash
// of the key by double hashing: successive probes add a rotation of the
// initial hash.
func (p FilterPolicy) AppendFilter(dst []byte, keys [][]byte) []byte {
	bitsPerKey := int(p)
	if bitsPerKey < 0 {
		bitsPerKey = 0
	}
	// 0.69 is approximately ln(2).
	k := uint32(float64(bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	nBits := len(keys) * bitsPerKey
	// For small len(keys), we can see a very high false positive rate. Fix it
	// by enforcing a minimum bloom filter length.
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	n := len(dst)
	for i := 0; i < nBytes; i++ {
		dst = append(dst, 0)
	}
	buf := dst[n:]

	for _, key := range keys {
		h := hash(key)
		delta := h>>17 | h<<15
		for j := uint32(0); j < k; j++ {
			bitPos := h % uint32(nBits)
			buf[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	return append(dst, uint8(k))
}

// MayContain implements the db.FilterPolicy interface.
//
// False positives are possible, where it returns true for keys not in the
// original set.
func (p FilterPolicy) MayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return false
	}
	k := filter[len(filter)-1]
	if k > 30 {
		// This is reserved for potentially new encodings for short Bloom
		// filters. Consider it a match.
		return true
	}
	nBits := uint32(8 * (len(filter) - 1))
	h := hash(key)
	delta := h>>17 | h<<15
	for j := uint8(0); j < k; j++ {
		bitPos := h % nBits
		if filter[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// hash implements a hashing algorithm similar to the Murmur hash.
func hash(b []byte) uint32 {
	const (
		seed = 0xbc9f1d34
		m    = 0xc6a4a793
	)
	h := uint32(seed) ^ uint32(uint64(uint32(len(b)))*uint64(m))
	for ; len(b) >= 4; b = b[4:] {
		h += uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		h *= m
		h ^= h >> 16
	}
	switch len(b) {
	case 3:
		h += uint32(b[2]) << 16
		fallthrough
	case 2:
		h += uint32(b[1]) << 8
		fallthrough
	case 1:
		h += uint32(b[0])
		h *= m
		h ^= h >> 24
	}
	return h
}
