// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shale

import (
	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/internal/base"
)

// dbIter adapts an internal-key iterator to the user-key view of the
// database at a fixed sequence number: entries newer than the snapshot are
// invisible, and of the remaining entries only the newest per user key is
// surfaced, with deletion tombstones hiding the key entirely.
type dbIter struct {
	cmp    db.Compare
	iter   db.Iterator
	seqNum uint64
	err    error
	// key and value are copies of the current entry. Copies are required
	// because the underlying iterator may reposition arbitrarily far from the
	// current entry while skipping over shadowed and deleted entries.
	key   []byte
	value []byte
	valid bool
	// pos is +1 when the underlying iterator is ahead of the current entry
	// (forward iteration), -1 when it is behind (backward iteration).
	pos int
}

var _ db.Iterator = (*dbIter)(nil)

// findNextEntry scans forward for the next visible user key. On entry the
// underlying iterator is positioned at the first candidate.
func (i *dbIter) findNextEntry() {
	i.valid = false
	for i.iter.Valid() {
		ikey := i.iter.Key()
		ukey, seqNum, kind, ok := base.DecodeInternalKey(ikey)
		if !ok {
			i.err = db.ErrCorruption
			return
		}
		if seqNum > i.seqNum {
			// Entry is not visible at this snapshot.
			i.iter.Next()
			continue
		}
		switch kind {
		case base.InternalKeyKindDelete:
			i.skipUserKeyForward(ukey)
		case base.InternalKeyKindSet:
			i.key = append(i.key[:0], ukey...)
			i.value = append(i.value[:0], i.iter.Value()...)
			i.valid = true
			return
		default:
			i.err = db.ErrCorruption
			return
		}
	}
	i.err = i.iter.Error()
}

// skipUserKeyForward steps the underlying iterator past every entry with the
// given user key.
func (i *dbIter) skipUserKeyForward(ukey []byte) {
	saved := append([]byte(nil), ukey...)
	for i.iter.Next() {
		u, _, _, ok := base.DecodeInternalKey(i.iter.Key())
		if !ok || i.cmp(u, saved) != 0 {
			return
		}
	}
}

// findPrevEntry scans backward for the previous visible user key. Within a
// user key the entries are ordered newest first, so scanning backward visits
// them oldest first: the scan remembers the latest visible entry seen and
// emits it when the user key changes.
func (i *dbIter) findPrevEntry() {
	i.valid = false
	for i.iter.Valid() {
		ikey := i.iter.Key()
		ukey, seqNum, kind, ok := base.DecodeInternalKey(ikey)
		if !ok {
			i.err = db.ErrCorruption
			return
		}
		if i.valid && i.cmp(ukey, i.key) != 0 {
			// The accumulated entry for the previous user key is complete.
			return
		}
		if seqNum <= i.seqNum {
			switch kind {
			case base.InternalKeyKindDelete:
				i.valid = false
			case base.InternalKeyKindSet:
				i.key = append(i.key[:0], ukey...)
				i.value = append(i.value[:0], i.iter.Value()...)
				i.valid = true
			default:
				i.err = db.ErrCorruption
				return
			}
		}
		if !i.iter.Prev() {
			break
		}
	}
	if err := i.iter.Error(); err != nil {
		i.err = err
		i.valid = false
	}
}

// SeekGE implements db.Iterator.
func (i *dbIter) SeekGE(key []byte) {
	if i.err != nil {
		return
	}
	i.iter.SeekGE(base.MakeSearchKey(nil, key, i.seqNum))
	i.pos = 1
	i.findNextEntry()
}

// First implements db.Iterator.
func (i *dbIter) First() {
	if i.err != nil {
		return
	}
	i.iter.First()
	i.pos = 1
	i.findNextEntry()
}

// Last implements db.Iterator.
func (i *dbIter) Last() {
	if i.err != nil {
		return
	}
	i.iter.Last()
	i.pos = -1
	i.findPrevEntry()
}

// Next implements db.Iterator.
func (i *dbIter) Next() bool {
	if i.err != nil {
		return false
	}
	if !i.valid {
		if i.pos == -1 {
			// An exhausted backward iterator restarts from the front.
			i.First()
			return i.valid
		}
		return false
	}
	if i.pos == -1 {
		// The underlying iterator is somewhere before the current entry.
		// Reposition it just past every entry for the current user key. A
		// search key at sequence number zero sorts after all of them.
		i.iter.SeekGE(base.MakeSearchKey(nil, i.key, 0))
		if i.iter.Valid() {
			u, _, _, ok := base.DecodeInternalKey(i.iter.Key())
			if ok && i.cmp(u, i.key) == 0 {
				i.iter.Next()
			}
		}
		i.pos = 1
	} else {
		i.skipUserKeyForward(i.key)
	}
	i.findNextEntry()
	return i.valid
}

// Prev implements db.Iterator.
func (i *dbIter) Prev() bool {
	if i.err != nil {
		return false
	}
	if !i.valid {
		if i.pos == 1 {
			// An exhausted forward iterator restarts from the back.
			i.Last()
			return i.valid
		}
		return false
	}
	if i.pos == 1 {
		// The underlying iterator is somewhere after the current entry.
		// Reposition it just before every entry for the current user key.
		i.iter.SeekGE(base.MakeSearchKey(nil, i.key, base.SeqNumMax))
		if i.iter.Valid() {
			i.iter.Prev()
		} else {
			i.iter.Last()
		}
		i.pos = -1
	} else {
		i.skipUserKeyBackward(i.key)
	}
	i.findPrevEntry()
	return i.valid
}

// skipUserKeyBackward steps the underlying iterator before every entry with
// the given user key.
func (i *dbIter) skipUserKeyBackward(ukey []byte) {
	saved := append([]byte(nil), ukey...)
	for i.iter.Valid() {
		u, _, _, ok := base.DecodeInternalKey(i.iter.Key())
		if !ok || i.cmp(u, saved) != 0 {
			return
		}
		if !i.iter.Prev() {
			return
		}
	}
}

// Key implements db.Iterator.
func (i *dbIter) Key() []byte {
	if !i.valid {
		return nil
	}
	return i.key
}

// Value implements db.Iterator.
func (i *dbIter) Value() []byte {
	if !i.valid {
		return nil
	}
	return i.value
}

// Valid implements db.Iterator.
func (i *dbIter) Valid() bool {
	return i.valid && i.err == nil
}

// Error implements db.Iterator.
func (i *dbIter) Error() error {
	return i.err
}

// Close implements db.Iterator.
func (i *dbIter) Close() error {
	if err := i.iter.Close(); err != nil && i.err == nil {
		i.err = err
	}
	return i.err
}
