// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package db

import "github.com/cockroachdb/errors"

// ErrNotFound means that a get call did not find the requested key.
var ErrNotFound = errors.New("shale: not found")

// ErrCorruption is a marker error for corrupted on-disk state: a bad block
// or record checksum, an unparseable entry, or a bad footer magic. Callers
// detect it with errors.Is.
var ErrCorruption = errors.New("shale: corruption")

// ErrNotSupported indicates that the requested operation is not supported by
// this build or configuration.
var ErrNotSupported = errors.New("shale: not supported")

// ErrInvalidArgument indicates misuse: a held database lock, a comparer
// mismatch after reopening a table, or malformed options.
var ErrInvalidArgument = errors.New("shale: invalid argument")

// MarkCorruption marks err as a corruption error while preserving its
// message and any wrapped causes.
func MarkCorruption(err error) error {
	return errors.Mark(err, ErrCorruption)
}

// IsCorruption reports whether err is a corruption error.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}
