// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base holds the internal key format shared by the memtable, the
// sorted-table reader and builder, and the engine.
//
// An internal key is a user key followed by an 8-byte little-endian trailer
// (seqNum<<8 | kind). Internal keys sort ascending by user key, then
// descending by trailer: for a given user key the newest entry sorts first,
// and within one sequence number a Set sorts before a Delete.
package base

import (
	"encoding/binary"
	"fmt"

	"github.com/shaledb/shale/db"
)

// InternalKeyKind enumerates the kind of key stored in the low byte of an
// internal key trailer.
type InternalKeyKind uint8

// These constants are part of the file format, and should not be changed.
const (
	InternalKeyKindDelete InternalKeyKind = 0
	InternalKeyKindSet    InternalKeyKind = 1

	// InternalKeyKindMax sorts before every other valid kind within one
	// sequence number, because internal keys order descending by trailer.
	// Search keys built with it therefore land on the newest entry for a
	// user key with sequence number <= the search sequence number.
	InternalKeyKindMax InternalKeyKind = 1

	// InternalKeyKindInvalid marks keys that failed to decode.
	InternalKeyKindInvalid InternalKeyKind = 255
)

func (k InternalKeyKind) String() string {
	switch k {
	case InternalKeyKindDelete:
		return "DEL"
	case InternalKeyKindSet:
		return "SET"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// SeqNumMax is the largest valid sequence number: sequence numbers occupy 56
// bits of the trailer.
const SeqNumMax = uint64(1<<56 - 1)

// InternalTrailerLen is the encoded size of an internal key trailer.
const InternalTrailerLen = 8

// MakeTrailer packs a sequence number and kind into a trailer.
func MakeTrailer(seqNum uint64, kind InternalKeyKind) uint64 {
	return seqNum<<8 | uint64(kind)
}

// MakeInternalKey appends the trailer for (seqNum, kind) to the user key,
// returning an encoded internal key. dst may be nil.
func MakeInternalKey(dst, ukey []byte, seqNum uint64, kind InternalKeyKind) []byte {
	dst = append(dst, ukey...)
	var tmp [InternalTrailerLen]byte
	binary.LittleEndian.PutUint64(tmp[:], MakeTrailer(seqNum, kind))
	return append(dst, tmp[:]...)
}

// MakeSearchKey appends the trailer that positions a search at the newest
// entry for ukey with sequence number <= seqNum.
func MakeSearchKey(dst, ukey []byte, seqNum uint64) []byte {
	return MakeInternalKey(dst, ukey, seqNum, InternalKeyKindMax)
}

// UserKey returns the user key portion of an encoded internal key.
func UserKey(ikey []byte) []byte {
	n := len(ikey) - InternalTrailerLen
	if n < 0 {
		return ikey
	}
	return ikey[:n:n]
}

// Trailer returns the trailer of an encoded internal key, or 0 if the key is
// too short to hold one.
func Trailer(ikey []byte) uint64 {
	if len(ikey) < InternalTrailerLen {
		return 0
	}
	return binary.LittleEndian.Uint64(ikey[len(ikey)-InternalTrailerLen:])
}

// DecodeInternalKey splits an encoded internal key into its parts. ok is
// false if the encoding is too short to hold a trailer.
func DecodeInternalKey(ikey []byte) (ukey []byte, seqNum uint64, kind InternalKeyKind, ok bool) {
	n := len(ikey) - InternalTrailerLen
	if n < 0 {
		return ikey, 0, InternalKeyKindInvalid, false
	}
	t := binary.LittleEndian.Uint64(ikey[n:])
	return ikey[:n:n], t >> 8, InternalKeyKind(t & 0xff), true
}

// InternalCompare orders encoded internal keys: ascending by user key under
// ucmp, then descending by trailer.
func InternalCompare(ucmp db.Compare, a, b []byte) int {
	if c := ucmp(UserKey(a), UserKey(b)); c != 0 {
		return c
	}
	switch at, bt := Trailer(a), Trailer(b); {
	case at > bt:
		return -1
	case at < bt:
		return 1
	default:
		return 0
	}
}

// NewInternalComparer lifts a user-key comparer to encoded internal keys.
// Separator and Successor shorten only the user key portion; when they do,
// the result is completed with the maximal trailer so it still sorts before
// every real entry of the successor user key.
func NewInternalComparer(ucmp *db.Comparer) *db.Comparer {
	maxTrailer := func(dst []byte) []byte {
		var tmp [InternalTrailerLen]byte
		binary.LittleEndian.PutUint64(tmp[:], MakeTrailer(SeqNumMax, InternalKeyKindMax))
		return append(dst, tmp[:]...)
	}
	return &db.Comparer{
		Compare: func(a, b []byte) int {
			return InternalCompare(ucmp.Compare, a, b)
		},
		Equal: func(a, b []byte) bool {
			return InternalCompare(ucmp.Compare, a, b) == 0
		},
		Separator: func(dst, a, b []byte) []byte {
			aUser, bUser := UserKey(a), UserKey(b)
			n := len(dst)
			dst = ucmp.Separator(dst, aUser, bUser)
			if len(dst)-n < len(aUser) && ucmp.Compare(aUser, dst[n:]) < 0 {
				// The user key was shortened: restore ordering against the
				// full internal key a with the maximal trailer.
				return maxTrailer(dst)
			}
			return append(dst[:n], a...)
		},
		Successor: func(dst, a []byte) []byte {
			aUser := UserKey(a)
			n := len(dst)
			dst = ucmp.Successor(dst, aUser)
			if len(dst)-n < len(aUser) && ucmp.Compare(aUser, dst[n:]) < 0 {
				return maxTrailer(dst)
			}
			return append(dst[:n], a...)
		},
		Name: ucmp.Name,
	}
}
