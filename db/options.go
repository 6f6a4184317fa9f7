// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package db

import (
	"github.com/shaledb/shale/cache"
	"github.com/shaledb/shale/vfs"
)

// Compression is the per-block compression algorithm to use.
type Compression int

// The available compression kinds. Only the compression tag byte of each
// block records which kind was used, so kinds can be mixed within a table.
const (
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
	ZstdCompression
	nCompression
)

func (c Compression) String() string {
	switch c {
	case DefaultCompression:
		return "Default"
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	case ZstdCompression:
		return "Zstd"
	default:
		return "Unknown"
	}
}

// FilterPolicy is an algorithm for probabilistically encoding a set of keys.
// The canonical implementation is a Bloom filter.
//
// Every FilterPolicy has a name. This names the algorithm itself, not any
// one particular instance. Aspects specific to a particular instance, such
// as the set of keys or any other parameters, will be encoded in the []byte
// filter returned by AppendFilter.
//
// The name may be written to files on disk, along with the filter data. To
// use these filters, the FilterPolicy name at the time of writing must equal
// the name at the time of reading. If they do not match, the filters will be
// ignored, which will not affect correctness but may affect performance.
type FilterPolicy interface {
	// Name names the filter policy.
	Name() string

	// AppendFilter appends to dst an encoded filter that holds a set of
	// []byte keys.
	AppendFilter(dst []byte, keys [][]byte) []byte

	// MayContain returns whether the encoded filter may contain given key.
	// False positives are possible, where it returns true for keys not in
	// the original set.
	MayContain(filter, key []byte) bool
}

// Options holds the optional parameters for a store. These options apply to
// the DB at large; per-query options are defined by the ReadOptions and
// WriteOptions types.
//
// A nil *Options is valid and means to use the default values.
type Options struct {
	// BlockCache caches uncompressed data blocks across tables. It may be
	// shared between multiple DBs.
	//
	// The default value means no block caching.
	BlockCache *cache.Cache[[]byte]

	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys within a data block.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table data
	// block.
	//
	// The default value is 4096.
	BlockSize int

	// Comparer defines a total ordering over the space of []byte keys: a
	// 'less than' relationship. The same comparison algorithm must be used
	// for reads and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// Compression defines the per-block compression to use.
	//
	// The default value (DefaultCompression) uses no compression.
	Compression Compression

	// CreateIfMissing is whether the directory should be created if it does
	// not already contain a store.
	//
	// The default value is false.
	CreateIfMissing bool

	// ErrorIfExists is whether it is an error if the store already exists.
	//
	// The default value is false.
	ErrorIfExists bool

	// FilterPolicy defines a filter algorithm (such as a Bloom filter) that
	// can reduce disk reads for Get calls.
	//
	// One such implementation is bloom.FilterPolicy(10) from the bloom
	// package.
	//
	// The default value means to use no filter.
	FilterPolicy FilterPolicy

	// FS maps file names to byte storage.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// Logger receives informational messages: recovery progress, flushes and
	// corruption reports.
	//
	// The default value logs to the LOG file inside the store directory.
	Logger Logger

	// MaxOpenFiles is a soft limit on the number of open files that can be
	// used by the DB. A fixed number of slots is reserved for non-table
	// files; the remainder bounds the table cache.
	//
	// The default value is 1000.
	MaxOpenFiles int

	// ParanoidChecks makes recovery treat a log-replay corruption as fatal,
	// and verifies block checksums while rebuilding state.
	//
	// The default value is false.
	ParanoidChecks bool

	// ReuseLogs allows recovery to adopt the final pre-existing log file as
	// the active log instead of creating a new one.
	//
	// The default value is false.
	ReuseLogs bool

	// WriteBufferSize is the memtable flush threshold: once the memtable's
	// approximate memory usage exceeds this many bytes, it is converted into
	// a sorted table.
	//
	// The default value is 4MiB.
	WriteBufferSize int
}

// EnsureDefaults ensures that the default values for all options are set if
// a valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.Comparer == nil {
		o.Comparer = DefaultComparer
	}
	if o.Compression <= DefaultCompression || o.Compression >= nCompression {
		o.Compression = NoCompression
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.MaxOpenFiles == 0 {
		o.MaxOpenFiles = 1000
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 4 << 20
	}
	return o
}

// GetComparer returns the comparer, or the default if o is nil.
func (o *Options) GetComparer() *Comparer {
	if o == nil || o.Comparer == nil {
		return DefaultComparer
	}
	return o.Comparer
}

// ReadOptions hold the optional per-query parameters for Get and NewIter
// operations.
//
// Like Options, a nil *ReadOptions is valid and means to use the default
// values.
type ReadOptions struct {
	// Snapshot is the sequence number at which to read. The zero value means
	// to read at the store's current sequence number.
	Snapshot uint64

	// DontFillCache is whether blocks read for this query should be kept out
	// of the block cache.
	//
	// The default is to fill the cache.
	DontFillCache bool

	// VerifyChecksums is whether all data read from underlying storage
	// should be verified against corresponding checksums.
	//
	// The default value is false.
	VerifyChecksums bool
}

// GetSnapshot returns the snapshot sequence number, or 0 if o is nil.
func (o *ReadOptions) GetSnapshot() uint64 {
	if o == nil {
		return 0
	}
	return o.Snapshot
}

// GetDontFillCache returns whether the block cache should be bypassed.
func (o *ReadOptions) GetDontFillCache() bool {
	return o != nil && o.DontFillCache
}

// GetVerifyChecksums returns whether checksum verification was requested.
func (o *ReadOptions) GetVerifyChecksums() bool {
	return o != nil && o.VerifyChecksums
}

// WriteOptions hold the optional per-query parameters for Set and Delete
// operations.
//
// Like Options, a nil *WriteOptions is valid and means to use the default
// values.
type WriteOptions struct {
	// Sync is whether to sync underlying writes from the OS buffer cache
	// through to actual disk, if applicable. Setting Sync can result in
	// slower writes.
	//
	// If false, and the machine crashes, then some recent writes may be
	// lost. Note that if it is just the process that crashes (and the
	// machine does not) then no writes will be lost.
	//
	// The default value is true.
	Sync bool
}

// Sync specifies the default write options for writes which synchronize to
// disk before returning.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize to disk.
var NoSync = &WriteOptions{Sync: false}

// GetSync returns the sync setting, or the default if o is nil.
func (o *WriteOptions) GetSync() bool {
	return o == nil || o.Sync
}
