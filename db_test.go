// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shale

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaledb/shale/bloom"
	"github.com/shaledb/shale/cache"
	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/vfs"
)

func newTestDB(t *testing.T, fs vfs.FS, opts *db.Options) *DB {
	t.Helper()
	if opts == nil {
		opts = &db.Options{}
	}
	opts.FS = fs
	opts.CreateIfMissing = true
	d, err := Open("test", opts)
	require.NoError(t, err)
	return d
}

// tableFileCount counts the sorted tables in the store directory.
func tableFileCount(t *testing.T, fs vfs.FS) int {
	t.Helper()
	ls, err := fs.List("test")
	require.NoError(t, err)
	n := 0
	for _, filename := range ls {
		if ft, _, ok := parseDBFilename(filename); ok && ft == fileTypeTable {
			n++
		}
	}
	return n
}

func TestBasicOps(t *testing.T) {
	d := newTestDB(t, vfs.NewMem(), nil)
	defer d.Close()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	v, err := d.Get([]byte("a"), nil)
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	// Overwrite.
	require.NoError(t, d.Set([]byte("a"), []byte("2"), nil))
	v, err = d.Get([]byte("a"), nil)
	require.NoError(t, err)
	require.Equal(t, "2", string(v))

	// Delete.
	require.NoError(t, d.Delete([]byte("a"), nil))
	_, err = d.Get([]byte("a"), nil)
	require.ErrorIs(t, err, db.ErrNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, d.Delete([]byte("missing"), nil))
	_, err = d.Get([]byte("missing"), nil)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestApplyBatch(t *testing.T) {
	d := newTestDB(t, vfs.NewMem(), nil)
	defer d.Close()

	require.NoError(t, d.Set([]byte("doomed"), []byte("x"), nil))

	var b Batch
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte("b"), []byte("2"))
	b.Delete([]byte("doomed"))
	require.NoError(t, d.Apply(&b, nil))

	for _, c := range []struct{ key, want string }{{"a", "1"}, {"b", "2"}} {
		v, err := d.Get([]byte(c.key), nil)
		require.NoError(t, err)
		require.Equal(t, c.want, string(v))
	}
	_, err := d.Get([]byte("doomed"), nil)
	require.ErrorIs(t, err, db.ErrNotFound)

	// An empty batch is a no-op.
	require.NoError(t, d.Apply(&Batch{}, nil))
}

func TestApplyInvalidBatch(t *testing.T) {
	d := newTestDB(t, vfs.NewMem(), nil)
	defer d.Close()

	var b Batch
	b.Set([]byte("a"), []byte("1"))
	b.data[8], b.data[9], b.data[10], b.data[11] = 0xff, 0xff, 0xff, 0xff
	err := d.Apply(&b, nil)
	require.ErrorIs(t, err, db.ErrInvalidArgument)
}

func TestSnapshotIsolation(t *testing.T) {
	d := newTestDB(t, vfs.NewMem(), nil)
	defer d.Close()

	require.NoError(t, d.Set([]byte("a"), []byte("old"), nil))
	snapshot := d.Snapshot()
	require.NoError(t, d.Set([]byte("a"), []byte("new"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("late"), nil))

	v, err := d.Get([]byte("a"), &db.ReadOptions{Snapshot: snapshot})
	require.NoError(t, err)
	require.Equal(t, "old", string(v))
	_, err = d.Get([]byte("b"), &db.ReadOptions{Snapshot: snapshot})
	require.ErrorIs(t, err, db.ErrNotFound)

	// Current reads see the latest values.
	v, err = d.Get([]byte("a"), nil)
	require.NoError(t, err)
	require.Equal(t, "new", string(v))
}

func TestFlushAndRead(t *testing.T) {
	fs := vfs.NewMem()
	d := newTestDB(t, fs, nil)
	defer d.Close()

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("val%03d", i)), db.NoSync))
	}
	require.Zero(t, tableFileCount(t, fs))
	require.NoError(t, d.Flush())
	require.Equal(t, 1, tableFileCount(t, fs))

	// Flushing an empty memtable is a no-op.
	require.NoError(t, d.Flush())
	require.Equal(t, 1, tableFileCount(t, fs))

	for i := 0; i < n; i++ {
		v, err := d.Get([]byte(fmt.Sprintf("key%03d", i)), nil)
		require.NoError(t, err, "key %d", i)
		require.Equal(t, fmt.Sprintf("val%03d", i), string(v))
	}
}

func TestWritesShadowFlushedTable(t *testing.T) {
	d := newTestDB(t, vfs.NewMem(), nil)
	defer d.Close()

	require.NoError(t, d.Set([]byte("a"), []byte("flushed"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("flushed"), nil))
	require.NoError(t, d.Flush())

	require.NoError(t, d.Set([]byte("a"), []byte("newer"), nil))
	require.NoError(t, d.Delete([]byte("b"), nil))

	v, err := d.Get([]byte("a"), nil)
	require.NoError(t, err)
	require.Equal(t, "newer", string(v))
	_, err = d.Get([]byte("b"), nil)
	require.ErrorIs(t, err, db.ErrNotFound)

	// The merged iterator agrees with Get.
	iter := d.NewIter(nil)
	var kvs []string
	for iter.First(); iter.Valid(); iter.Next() {
		kvs = append(kvs, string(iter.Key())+":"+string(iter.Value()))
	}
	require.NoError(t, iter.Close())
	require.Equal(t, []string{"a:newer"}, kvs)
}

func TestAutoFlush(t *testing.T) {
	fs := vfs.NewMem()
	// A tiny write buffer forces a flush on nearly every write.
	d := newTestDB(t, fs, &db.Options{WriteBufferSize: 1024})
	defer d.Close()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("key%03d", i)), []byte(strings.Repeat("x", 100)), db.NoSync))
	}
	require.Positive(t, tableFileCount(t, fs))

	for i := 0; i < n; i++ {
		v, err := d.Get([]byte(fmt.Sprintf("key%03d", i)), nil)
		require.NoError(t, err, "key %d", i)
		require.Equal(t, strings.Repeat("x", 100), string(v))
	}

	// Iteration sees every key exactly once across all the tables.
	iter := d.NewIter(nil)
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		require.Equal(t, fmt.Sprintf("key%03d", count), string(iter.Key()))
		count++
	}
	require.NoError(t, iter.Close())
	require.Equal(t, n, count)
}

func TestIterIgnoresLaterWrites(t *testing.T) {
	d := newTestDB(t, vfs.NewMem(), nil)
	defer d.Close()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	iter := d.NewIter(nil)
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Set([]byte("a"), []byte("overwritten"), nil))

	var kvs []string
	for iter.First(); iter.Valid(); iter.Next() {
		kvs = append(kvs, string(iter.Key())+":"+string(iter.Value()))
	}
	require.NoError(t, iter.Close())
	require.Equal(t, []string{"a:1"}, kvs)
}

func TestFilterAndBlockCacheWired(t *testing.T) {
	fs := vfs.NewMem()
	blockCache := cache.New[[]byte](1 << 20)
	d := newTestDB(t, fs, &db.Options{
		BlockCache:   blockCache,
		FilterPolicy: bloom.FilterPolicy(10),
	})
	defer d.Close()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("key%03d", i)), []byte("v"), db.NoSync))
	}
	require.NoError(t, d.Flush())

	v, err := d.Get([]byte("key123"), nil)
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
	require.Positive(t, blockCache.TotalCharge())

	_, err = d.Get([]byte("key123absent"), nil)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestClosed(t *testing.T) {
	d := newTestDB(t, vfs.NewMem(), nil)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Close())

	_, err := d.Get([]byte("a"), nil)
	require.Error(t, err)
	require.Error(t, d.Set([]byte("b"), []byte("2"), nil))
	require.Error(t, d.Flush())

	iter := d.NewIter(nil)
	iter.First()
	require.False(t, iter.Valid())
	require.Error(t, iter.Error())

	// Closing twice is fine.
	require.NoError(t, d.Close())
}

func TestCreateIfMissing(t *testing.T) {
	fs := vfs.NewMem()
	_, err := Open("test", &db.Options{FS: fs})
	require.Error(t, err)

	d, err := Open("test", &db.Options{FS: fs, CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Close())

	// The store now exists, so the default options suffice.
	d, err = Open("test", &db.Options{FS: fs})
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestErrorIfExists(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("test", &db.Options{FS: fs, CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Close())

	_, err = Open("test", &db.Options{FS: fs, CreateIfMissing: true, ErrorIfExists: true})
	require.Error(t, err)
}

func TestLocking(t *testing.T) {
	fs := vfs.NewMem()
	d := newTestDB(t, fs, nil)

	_, err := Open("test", &db.Options{FS: fs, CreateIfMissing: true})
	require.Error(t, err)

	require.NoError(t, d.Close())
	d2, err := Open("test", &db.Options{FS: fs})
	require.NoError(t, err)
	require.NoError(t, d2.Close())
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	d := newTestDB(t, vfs.NewMem(), &db.Options{WriteBufferSize: 16 << 10})
	defer d.Close()

	const writers, perWriter = 4, 200
	done := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-key%04d", w, i))
				if err := d.Set(key, key, db.NoSync); err != nil {
					done <- err
					return
				}
				if _, err := d.Get(key, nil); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(w)
	}
	for w := 0; w < writers; w++ {
		require.NoError(t, <-done)
	}

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := []byte(fmt.Sprintf("w%d-key%04d", w, i))
			v, err := d.Get(key, nil)
			require.NoError(t, err)
			require.Equal(t, string(key), string(v))
		}
	}
}
