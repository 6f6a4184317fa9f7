// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shale

import (
	"github.com/shaledb/shale/cache"
	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/table"
	"github.com/shaledb/shale/vfs"
)

// tableCache caches open table readers, keyed by file number. A reader stays
// open while it is in the cache or while an iterator or lookup holds it; the
// eviction deleter closes it once both are done.
type tableCache struct {
	dirname string
	fs      vfs.FS
	opts    *db.Options
	readers *cache.Cache[*table.Reader]
}

func (c *tableCache) init(dirname string, fs vfs.FS, opts *db.Options, size int) {
	c.dirname = dirname
	c.fs = fs
	c.opts = opts
	c.readers = cache.New[*table.Reader](int64(size))
}

// find returns an open reader for the given table. The caller must invoke
// release when done with the reader.
func (c *tableCache) find(fileNum uint64) (r *table.Reader, release func(), err error) {
	k := cache.Key{Offset: fileNum}
	if h, ok := c.readers.Lookup(k); ok {
		return h.Value(), func() { c.readers.Release(h) }, nil
	}

	f, err := c.fs.Open(dbFilename(c.fs, c.dirname, fileTypeTable, fileNum), vfs.RandomReadsOption)
	if err != nil {
		return nil, nil, err
	}
	r, err = table.NewReader(f, c.opts)
	if err != nil {
		return nil, nil, err
	}
	h := c.readers.Insert(k, r, 1, func(_ cache.Key, r *table.Reader) {
		// Errors on close of an evicted reader have no caller to return to.
		_ = r.Close()
	})
	return r, func() { c.readers.Release(h) }, nil
}

func (c *tableCache) newIter(fileNum uint64, ro *db.ReadOptions) (db.Iterator, error) {
	r, release, err := c.find(fileNum)
	if err != nil {
		return nil, err
	}
	return &tableCacheIter{
		Iterator: r.NewIter(ro),
		release:  release,
	}, nil
}

func (c *tableCache) get(fileNum uint64, key []byte, ro *db.ReadOptions) (foundKey, value []byte, err error) {
	r, release, err := c.find(fileNum)
	if err != nil {
		return nil, nil, err
	}
	defer release()
	return r.Get(key, ro)
}

// evict removes a table from the cache. Readers still held by iterators are
// closed when their iterators are.
func (c *tableCache) evict(fileNum uint64) {
	c.readers.Erase(cache.Key{Offset: fileNum})
}

func (c *tableCache) Close() error {
	if c.readers == nil {
		return nil
	}
	c.readers.Prune()
	c.readers = nil
	return nil
}

// tableCacheIter wraps a table iterator so that closing the iterator also
// releases the cached reader.
type tableCacheIter struct {
	db.Iterator
	release func()
}

func (i *tableCacheIter) Close() error {
	err := i.Iterator.Close()
	if i.release != nil {
		i.release()
		i.release = nil
	}
	return err
}
