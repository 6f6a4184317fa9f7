// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package shale provides an ordered key/value store, persisted as a
// write-ahead log and a set of immutable sorted tables.
//
// Writes are applied to an in-memory table after being appended to the log.
// When the in-memory table grows past the configured write buffer size it is
// flushed to a sorted table on disk and a fresh log is started. Reads consult
// the in-memory tables and then the on-disk tables from newest to oldest.
package shale

import (
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/memdb"
	"github.com/shaledb/shale/record"
	"github.com/shaledb/shale/table"
	"github.com/shaledb/shale/vfs"
)

// fileMetadata describes an on-disk sorted table.
type fileMetadata struct {
	fileNum uint64
	size    uint64
	// smallest and largest are the internal keys bounding the table.
	smallest []byte
	largest  []byte
}

// DB is an ordered key/value store. It is safe for concurrent use by
// multiple goroutines.
type DB struct {
	dirname string
	opts    *db.Options
	// icmpOpts is opts with the comparer and filter policy lifted to operate
	// on internal keys rather than user keys.
	icmpOpts db.Options
	icmp     *db.Comparer
	ucmp     *db.Comparer

	tableCache tableCache

	// fileLock holds the database-wide lock for the lifetime of the DB.
	fileLock io.Closer
	logger   db.Logger

	mu sync.Mutex

	fileNum    uint64
	lastSeqNum uint64

	logNumber uint64
	logFile   vfs.File
	log       *record.Writer

	// mem is the current writable memtable. imm, when non-nil, is a memtable
	// that is being flushed.
	mem *memdb.MemTable
	imm *memdb.MemTable
	// flushCond is signalled when imm becomes nil.
	flushCond sync.Cond

	// tables are the live sorted tables, in no particular order.
	tables []fileMetadata

	closed bool
}

// Get returns the value for the given key, or db.ErrNotFound if the DB does
// not contain the key. It is safe to modify the contents of the argument
// after Get returns.
func (d *DB) Get(key []byte, opts *db.ReadOptions) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("shale: database is closed")
	}
	snapshot := opts.GetSnapshot()
	if snapshot == 0 {
		snapshot = d.lastSeqNum
	}
	// Pin the memtables and take a copy of the table list so that the lock
	// need not be held while reading.
	memtables := [2]*memdb.MemTable{d.mem, d.imm}
	for _, mem := range &memtables {
		if mem != nil {
			mem.Ref()
		}
	}
	tables := append([]fileMetadata(nil), d.tables...)
	d.mu.Unlock()

	defer func() {
		for _, mem := range &memtables {
			if mem != nil {
				mem.Unref()
			}
		}
	}()

	for _, mem := range &memtables {
		if mem == nil {
			continue
		}
		value, found, err := mem.Get(key, snapshot)
		if found {
			return value, err
		}
	}

	// Search the tables from newest to oldest. The first table containing a
	// visible entry for the key is authoritative.
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].fileNum > tables[j].fileNum
	})
	ikey := base.MakeSearchKey(nil, key, snapshot)
	for _, t := range tables {
		foundKey, value, err := d.tableCache.get(t.fileNum, ikey, opts)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			return nil, err
		}
		ukey, _, kind, ok := base.DecodeInternalKey(foundKey)
		if !ok {
			return nil, db.MarkCorruption(errors.Newf("shale: corrupt internal key in table %06d", t.fileNum))
		}
		if d.ucmp.Compare(ukey, key) != 0 {
			continue
		}
		switch kind {
		case base.InternalKeyKindSet:
			return value, nil
		case base.InternalKeyKindDelete:
			return nil, db.ErrNotFound
		default:
			return nil, db.MarkCorruption(errors.Newf("shale: unknown internal key kind %d", kind))
		}
	}
	return nil, db.ErrNotFound
}

// Set sets the value for the given key. It overwrites any previous value for
// that key.
func (d *DB) Set(key, value []byte, opts *db.WriteOptions) error {
	var batch Batch
	batch.Set(key, value)
	return d.Apply(&batch, opts)
}

// Delete deletes the value for the given key. Deleting a key that has no
// value is not an error.
func (d *DB) Delete(key []byte, opts *db.WriteOptions) error {
	var batch Batch
	batch.Delete(key)
	return d.Apply(&batch, opts)
}

// Apply applies the batch to the DB atomically: either all of its entries
// take effect or, if the process crashes mid-write, none do.
func (d *DB) Apply(batch *Batch, opts *db.WriteOptions) error {
	if len(batch.data) == 0 {
		return nil
	}
	n := batch.count()
	if n == invalidBatchCount {
		return errors.Mark(errors.New("shale: invalid batch"), db.ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("shale: database is closed")
	}

	seqNum := d.lastSeqNum + 1
	batch.setSeqNum(seqNum)
	d.lastSeqNum += uint64(n)

	// The batch representation is the log record.
	if err := d.log.AddRecord(batch.data); err != nil {
		return err
	}
	if opts.GetSync() {
		if err := d.logFile.Sync(); err != nil {
			return err
		}
	}

	for iter := batch.iter(); ; seqNum++ {
		kind, ukey, value, ok := iter.next()
		if !ok {
			break
		}
		if err := d.mem.Add(seqNum, kind, ukey, value); err != nil {
			return err
		}
	}
	if seqNum != d.lastSeqNum+1 {
		panic("shale: inconsistent batch count")
	}

	// The write has been logged and applied. A failure to flush does not
	// affect its outcome, so flush errors are reported through the logger
	// rather than to the caller.
	if d.mem.ApproximateMemoryUsage() >= int64(d.opts.WriteBufferSize) {
		if err := d.makeRoomForWrite(); err != nil {
			d.logger.Infof("shale: background flush error: %v", err)
		}
	}
	return nil
}

// makeRoomForWrite flushes the current memtable once any in-flight flush has
// completed. d.mu must be held.
func (d *DB) makeRoomForWrite() error {
	for d.imm != nil {
		d.flushCond.Wait()
	}
	if d.mem.ApproximateMemoryUsage() < int64(d.opts.WriteBufferSize) {
		// A concurrent writer flushed while this one was waiting.
		return nil
	}
	return d.flush()
}

// flush converts the current memtable into an on-disk sorted table, starting
// a fresh log and memtable for subsequent writes. d.mu must be held.
func (d *DB) flush() (err error) {
	// Start a new log file before freezing the memtable, so that writes
	// accepted during the flush land in a log that postdates the table.
	newLogNumber := d.allocateFileNum()
	newLogName := dbFilename(d.opts.FS, d.dirname, fileTypeLog, newLogNumber)
	newLogFile, err := d.opts.FS.Create(newLogName)
	if err != nil {
		return err
	}

	prevLogNumber := d.logNumber
	prevLogFile, prevLog := d.logFile, d.log
	prevMem := d.mem

	d.logNumber = newLogNumber
	d.logFile = newLogFile
	d.log = record.NewWriter(newLogFile)
	d.imm = d.mem
	d.mem = memdb.New(d.ucmp)

	meta, err := d.writeTable(d.imm)
	if err != nil {
		// Restore the pre-flush state. The failed log and table files are
		// removed; the write-ahead log that fed the memtable is still on
		// disk, so no accepted write is lost.
		d.logNumber = prevLogNumber
		d.logFile = prevLogFile
		d.log = prevLog
		d.mem = prevMem
		d.imm = nil
		d.flushCond.Broadcast()
		newLogFile.Close()
		d.opts.FS.Remove(newLogName)
		return err
	}

	d.tables = append(d.tables, meta)
	d.imm.Unref()
	d.imm = nil
	d.flushCond.Broadcast()

	// The flushed memtable's log is no longer needed.
	if err := prevLogFile.Close(); err != nil {
		d.logger.Infof("shale: close log file %06d: %v", prevLogNumber, err)
	}
	if err := d.opts.FS.Remove(dbFilename(d.opts.FS, d.dirname, fileTypeLog, prevLogNumber)); err != nil {
		d.logger.Infof("shale: remove log %06d: %v", prevLogNumber, err)
	}
	return nil
}

// writeTable writes the contents of the memtable to a new sorted table,
// returning its metadata. d.mu must be held on entry; it is released while
// the table is being written and re-acquired before returning.
func (d *DB) writeTable(mem *memdb.MemTable) (meta fileMetadata, err error) {
	meta.fileNum = d.allocateFileNum()
	filename := dbFilename(d.opts.FS, d.dirname, fileTypeTable, meta.fileNum)

	// Writing the table is the expensive part; do it without the lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	var (
		tw   *table.Writer
		iter db.Iterator
	)
	defer func() {
		if iter != nil {
			err = errors.CombineErrors(err, iter.Close())
		}
		if tw != nil {
			err = errors.CombineErrors(err, tw.Close())
		}
		if err != nil {
			d.opts.FS.Remove(filename)
			meta = fileMetadata{}
		}
	}()

	f, err := d.opts.FS.Create(filename)
	if err != nil {
		return fileMetadata{}, err
	}
	tw = table.NewWriter(f, &d.icmpOpts)

	iter = mem.NewIter()
	iter.First()
	if !iter.Valid() {
		return fileMetadata{}, errors.New("shale: flush of an empty memtable")
	}
	meta.smallest = append([]byte(nil), iter.Key()...)
	for ; iter.Valid(); iter.Next() {
		meta.largest = append(meta.largest[:0], iter.Key()...)
		if err := tw.Add(iter.Key(), iter.Value()); err != nil {
			return fileMetadata{}, err
		}
	}
	if err := iter.Close(); err != nil {
		iter = nil
		return fileMetadata{}, err
	}
	iter = nil
	if err := tw.Close(); err != nil {
		tw = nil
		return fileMetadata{}, err
	}
	tw = nil

	// The table writer closed the underlying file handle. Re-open the file
	// to sync its contents and observe its final size.
	f, err = d.opts.FS.Open(filename)
	if err != nil {
		return fileMetadata{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fileMetadata{}, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fileMetadata{}, err
	}
	if err := f.Close(); err != nil {
		return fileMetadata{}, err
	}
	meta.size = uint64(stat.Size())

	// Verify that the table is readable before publishing it.
	_, release, err := d.tableCache.find(meta.fileNum)
	if err != nil {
		return fileMetadata{}, err
	}
	release()
	return meta, nil
}

// NewIter returns an iterator over the DB's contents at the time NewIter is
// called, or at the read options' snapshot if one is set. Tombstoned and
// shadowed entries are not surfaced.
func (d *DB) NewIter(opts *db.ReadOptions) db.Iterator {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return &errorIter{err: errors.New("shale: database is closed")}
	}
	snapshot := opts.GetSnapshot()
	if snapshot == 0 {
		snapshot = d.lastSeqNum
	}
	memtables := [2]*memdb.MemTable{d.mem, d.imm}
	for _, mem := range &memtables {
		if mem != nil {
			mem.Ref()
		}
	}
	tables := append([]fileMetadata(nil), d.tables...)
	d.mu.Unlock()

	sort.Slice(tables, func(i, j int) bool {
		return tables[i].fileNum > tables[j].fileNum
	})

	// Order the children newest to oldest, so that the merging iterator's
	// tie break surfaces the newest entry for a key. Memtable entries at the
	// same key never collide across sources because sequence numbers are in
	// the keys, but the ordering keeps the merge deterministic regardless.
	iters := make([]db.Iterator, 0, 2+len(tables))
	for _, mem := range &memtables {
		if mem != nil {
			iters = append(iters, mem.NewIter())
		}
	}
	var err error
	for _, t := range tables {
		iter, e := d.tableCache.newIter(t.fileNum, opts)
		if e != nil {
			err = e
			break
		}
		iters = append(iters, iter)
	}
	if err != nil {
		for _, iter := range iters {
			iter.Close()
		}
		for _, mem := range &memtables {
			if mem != nil {
				mem.Unref()
			}
		}
		return &errorIter{err: err}
	}

	return &dbIterWrapper{
		dbIter: dbIter{
			cmp:    d.ucmp.Compare,
			iter:   newMergingIter(d.icmp.Compare, iters...),
			seqNum: snapshot,
		},
		memtables: memtables,
	}
}

// dbIterWrapper unpins the memtables referenced by an iterator when the
// iterator is closed.
type dbIterWrapper struct {
	dbIter
	memtables [2]*memdb.MemTable
}

func (i *dbIterWrapper) Close() error {
	err := i.dbIter.Close()
	for _, mem := range &i.memtables {
		if mem != nil {
			mem.Unref()
		}
	}
	i.memtables = [2]*memdb.MemTable{}
	return err
}

// errorIter is an iterator that permanently fails with a fixed error.
type errorIter struct {
	err error
}

var _ db.Iterator = (*errorIter)(nil)

func (i *errorIter) SeekGE(key []byte) {}
func (i *errorIter) First()            {}
func (i *errorIter) Last()             {}
func (i *errorIter) Next() bool        { return false }
func (i *errorIter) Prev() bool        { return false }
func (i *errorIter) Key() []byte       { return nil }
func (i *errorIter) Value() []byte     { return nil }
func (i *errorIter) Valid() bool       { return false }
func (i *errorIter) Error() error      { return i.err }
func (i *errorIter) Close() error      { return i.err }

// Snapshot returns a sequence number that can be passed in read options to
// observe the database as of this moment, unaffected by later writes.
func (d *DB) Snapshot() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeqNum
}

// Flush forces the current memtable to an on-disk table. It is primarily
// useful in tests; ordinary operation flushes when the write buffer fills.
func (d *DB) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("shale: database is closed")
	}
	for d.imm != nil {
		d.flushCond.Wait()
	}
	if d.mem.Empty() {
		return nil
	}
	return d.flush()
}

// Close waits for any in-progress flush, closes the log file without syncing
// it and releases the database's resources. It is not safe to use the DB or
// any iterators after Close.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	for d.imm != nil {
		d.flushCond.Wait()
	}
	d.closed = true

	var firstErr error
	if d.logFile != nil {
		if err := d.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.tableCache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if d.mem != nil {
		d.mem.Unref()
		d.mem = nil
	}
	if d.fileLock != nil {
		if err := d.fileLock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.fileLock = nil
	}
	return firstErr
}

// allocateFileNum returns the next unused file number. d.mu must be held.
func (d *DB) allocateFileNum() uint64 {
	d.fileNum++
	return d.fileNum
}
