// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shale

import (
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"

	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/memdb"
	"github.com/shaledb/shale/record"
	"github.com/shaledb/shale/vfs"
)

const (
	// minTableCacheSize bounds the table cache from below regardless of
	// MaxOpenFiles, so that tiny configurations still make progress.
	minTableCacheSize = 64

	// numNonTableCacheFiles is an estimate of the file descriptors the
	// database holds outside the table cache: the log, the lock, the
	// informational log and slack for flushing.
	numNonTableCacheFiles = 10
)

// Open opens a database at the given directory, creating it if it does not
// exist and opts.CreateIfMissing is set, and replaying any write-ahead logs
// left behind by a previous process.
func Open(dirname string, opts *db.Options) (*DB, error) {
	opts = opts.EnsureDefaults()
	fs := opts.FS
	ucmp := opts.GetComparer()

	d := &DB{
		dirname: dirname,
		opts:    opts,
		ucmp:    ucmp,
		icmp:    base.NewInternalComparer(ucmp),
		logger:  opts.Logger,
	}
	d.icmpOpts = *opts
	d.icmpOpts.Comparer = d.icmp
	if opts.FilterPolicy != nil {
		d.icmpOpts.FilterPolicy = base.NewInternalFilterPolicy(opts.FilterPolicy)
	}
	d.flushCond.L = &d.mu

	tableCacheSize := opts.MaxOpenFiles - numNonTableCacheFiles
	if tableCacheSize < minTableCacheSize {
		tableCacheSize = minTableCacheSize
	}
	d.tableCache.init(dirname, fs, &d.icmpOpts, tableCacheSize)

	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}
	fileLock, err := fs.Lock(dbFilename(fs, dirname, fileTypeLock, 0))
	if err != nil {
		return nil, err
	}
	defer func() {
		if fileLock != nil {
			fileLock.Close()
		}
	}()

	ls, err := fs.List(dirname)
	if err != nil {
		return nil, err
	}
	if err := checkExistence(ls, opts); err != nil {
		return nil, err
	}
	if d.logger == nil {
		d.logger = newInfoLogger(fs, dirname)
	}

	// Recover the sorted tables first, so that the sequence number floor is
	// known before the logs are replayed on top of them.
	var logNumbers []uint64
	for _, filename := range ls {
		ft, fileNum, ok := parseDBFilename(filename)
		if !ok {
			continue
		}
		if fileNum > d.fileNum {
			d.fileNum = fileNum
		}
		switch ft {
		case fileTypeLog:
			logNumbers = append(logNumbers, fileNum)
		case fileTypeTable:
			if err := d.recoverTable(fileNum); err != nil {
				return nil, err
			}
		}
	}

	// Replay the logs in the order they were written.
	sort.Slice(logNumbers, func(i, j int) bool { return logNumbers[i] < logNumbers[j] })
	var reusedLog bool
	for i, logNum := range logNumbers {
		last := i == len(logNumbers)-1
		reused, err := d.replayLogFile(logNum, last && opts.ReuseLogs)
		if err != nil {
			return nil, err
		}
		if reused {
			reusedLog = true
			continue
		}
		// A fully replayed log whose contents have been flushed is obsolete.
		if !d.mem.Empty() {
			if err := d.replayFlush(); err != nil {
				return nil, err
			}
		}
		if err := fs.Remove(dbFilename(fs, dirname, fileTypeLog, logNum)); err != nil {
			return nil, err
		}
	}

	if !reusedLog {
		logNumber := d.allocateFileNum()
		logName := dbFilename(fs, dirname, fileTypeLog, logNumber)
		logFile, err := fs.Create(logName)
		if err != nil {
			return nil, err
		}
		d.logNumber = logNumber
		d.logFile = logFile
		d.log = record.NewWriter(logFile)
	}
	if d.mem == nil {
		d.mem = memdb.New(ucmp)
	}

	d.fileLock, fileLock = fileLock, nil
	return d, nil
}

// checkExistence enforces the CreateIfMissing and ErrorIfExists options
// against the directory listing.
func checkExistence(ls []string, opts *db.Options) error {
	exists := false
	for _, filename := range ls {
		if _, _, ok := parseDBFilename(filename); ok {
			exists = true
			break
		}
	}
	if !exists && !opts.CreateIfMissing {
		return errors.New("shale: database does not exist and CreateIfMissing is false")
	}
	if exists && opts.ErrorIfExists {
		return errors.New("shale: database already exists and ErrorIfExists is true")
	}
	return nil
}

// newInfoLogger rotates LOG to LOG.old and returns a logger writing to a
// fresh LOG file. Failures degrade to the default logger.
func newInfoLogger(fs vfs.FS, dirname string) db.Logger {
	logName := fs.PathJoin(dirname, "LOG")
	fs.Rename(logName, fs.PathJoin(dirname, "LOG.old"))
	f, err := fs.Create(logName)
	if err != nil {
		return db.DefaultLogger
	}
	return db.NewFileLogger(f)
}

// recoverTable registers an existing sorted table, reading its boundary keys
// and raising the sequence number floor above its newest entry.
func (d *DB) recoverTable(fileNum uint64) error {
	ro := &db.ReadOptions{VerifyChecksums: d.opts.ParanoidChecks}
	iter, err := d.tableCache.newIter(fileNum, ro)
	if err != nil {
		return err
	}
	meta := fileMetadata{fileNum: fileNum}
	iter.First()
	if iter.Valid() {
		meta.smallest = append([]byte(nil), iter.Key()...)
		iter.Last()
		meta.largest = append([]byte(nil), iter.Key()...)
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if meta.smallest == nil {
		return db.MarkCorruption(errors.Newf("shale: table %06d is empty", fileNum))
	}

	// Entries in any table must be older than entries in any log, so the
	// next assigned sequence number has to clear both boundary entries.
	for _, ikey := range [][]byte{meta.smallest, meta.largest} {
		_, seqNum, _, ok := base.DecodeInternalKey(ikey)
		if !ok {
			return db.MarkCorruption(errors.Newf("shale: corrupt boundary key in table %06d", fileNum))
		}
		if seqNum > d.lastSeqNum {
			d.lastSeqNum = seqNum
		}
	}

	if stat, err := d.opts.FS.Stat(dbFilename(d.opts.FS, d.dirname, fileTypeTable, fileNum)); err == nil {
		meta.size = uint64(stat.Size())
	}
	d.tables = append(d.tables, meta)
	return nil
}

// replayLogFile replays the batches in a log file into the memtable,
// flushing whenever the write buffer fills. If reuse is set the log file is
// adopted as the live log, positioned for appending, instead of being
// flushed and deleted.
func (d *DB) replayLogFile(logNum uint64, reuse bool) (reused bool, err error) {
	fs := d.opts.FS
	logName := dbFilename(fs, d.dirname, fileTypeLog, logNum)
	f, err := fs.Open(logName)
	if err != nil {
		return false, err
	}

	if d.mem == nil {
		d.mem = memdb.New(d.ucmp)
	}

	reporter := &logReporter{logger: d.logger, logNum: logNum}
	rr := record.NewReader(f, reporter, true, 0)
	var batchBuf []byte
	for {
		rec, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return false, err
		}
		batchBuf = batchBuf[:0]
		batchBuf = append(batchBuf, rec...)
		if len(batchBuf) < batchHeaderLen {
			f.Close()
			return false, db.MarkCorruption(errors.Newf("shale: log %06d: batch record is too short", logNum))
		}

		b := Batch{data: batchBuf}
		seqNum := b.seqNum()
		for iter := b.iter(); ; seqNum++ {
			kind, ukey, value, ok := iter.next()
			if !ok {
				break
			}
			if err := d.mem.Add(seqNum, kind, ukey, value); err != nil {
				f.Close()
				return false, err
			}
		}
		if seqNum != b.seqNum()+uint64(b.count()) {
			f.Close()
			return false, db.MarkCorruption(errors.Newf("shale: log %06d: inconsistent batch count", logNum))
		}
		if seqNum > d.lastSeqNum+1 {
			d.lastSeqNum = seqNum - 1
		}

		if !reuse && d.mem.ApproximateMemoryUsage() >= int64(d.opts.WriteBufferSize) {
			if err := d.replayFlush(); err != nil {
				f.Close()
				return false, err
			}
		}
	}
	if err := f.Close(); err != nil {
		return false, err
	}
	if d.opts.ParanoidChecks && reporter.err != nil {
		return false, reporter.err
	}

	if !reuse {
		return false, nil
	}

	// Adopt the replayed log as the live log, appending after the last good
	// record. A crash may have left a partial chunk at the tail; appends are
	// positioned at the end of the last complete record.
	offset := rr.LastRecordOffset()
	appendFile, err := fs.OpenForAppend(logName)
	if err != nil {
		return false, err
	}
	d.logNumber = logNum
	d.logFile = appendFile
	d.log = record.NewWriterWithOffset(appendFile, offset)
	return true, nil
}

// replayFlush writes the current memtable out as a table during recovery,
// when there is no live log to rotate.
func (d *DB) replayFlush() error {
	d.mu.Lock()
	meta, err := d.writeTable(d.mem)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.tables = append(d.tables, meta)
	d.mem.Unref()
	d.mem = memdb.New(d.ucmp)
	return nil
}

// logReporter routes log corruption notices to the database's logger.
// Dropped ranges are ordinarily survivable, the records they held were lost
// to a crash, but under ParanoidChecks the first one fails the open.
type logReporter struct {
	logger db.Logger
	logNum uint64
	err    error
}

func (r *logReporter) Corruption(n int, reason error) {
	r.logger.Infof("shale: log %06d: dropping %d bytes: %v", r.logNum, n, reason)
	if r.err == nil {
		r.err = db.MarkCorruption(errors.Wrapf(reason, "shale: log %06d: dropped %d bytes", r.logNum, n))
	}
}

// Destroy removes all of the database's files from the file system. The
// database must not be open. Unrecognized files in the directory are left
// behind.
func Destroy(dirname string, opts *db.Options) error {
	opts = opts.EnsureDefaults()
	fs := opts.FS
	ls, err := fs.List(dirname)
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil
		}
		return err
	}
	var firstErr error
	haveLock := false
	for _, filename := range ls {
		ft, _, ok := parseDBFilename(filename)
		if !ok {
			continue
		}
		if ft == fileTypeLock {
			// The lock file guards the others; it goes last.
			haveLock = true
			continue
		}
		if err := fs.Remove(fs.PathJoin(dirname, filename)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, filename := range []string{"LOG", "LOG.old"} {
		if err := fs.Remove(fs.PathJoin(dirname, filename)); err != nil && !oserror.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if haveLock {
		if err := fs.Remove(dbFilename(fs, dirname, fileTypeLock, 0)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := fs.Remove(dirname); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
