// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package table

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaledb/shale/cache"
	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/vfs"
)

func testKey(i int) []byte {
	return []byte(fmt.Sprintf("key%05d", i))
}

func testValue(i int) []byte {
	return []byte(fmt.Sprintf("value%05d", i))
}

// buildTable writes n ascending key/value pairs to filename.
func buildTable(t *testing.T, fs vfs.FS, filename string, n int, opts *db.Options) {
	t.Helper()
	f, err := fs.Create(filename)
	require.NoError(t, err)
	w := NewWriter(f, opts)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Add(testKey(i), testValue(i)))
	}
	require.NoError(t, w.Close())
}

func openReader(t *testing.T, fs vfs.FS, filename string, opts *db.Options) *Reader {
	t.Helper()
	f, err := fs.Open(filename)
	require.NoError(t, err)
	r, err := NewReader(f, opts)
	require.NoError(t, err)
	return r
}

func TestRoundTrip(t *testing.T) {
	const n = 1000
	fs := vfs.NewMem()
	// A small block size forces many data blocks and a multi-entry index.
	opts := &db.Options{BlockSize: 256}
	buildTable(t, fs, "test.ldb", n, opts)
	r := openReader(t, fs, "test.ldb", opts)
	defer r.Close()

	iter := r.NewIter(nil)
	i := 0
	for iter.First(); iter.Valid(); iter.Next() {
		require.Equal(t, string(testKey(i)), string(iter.Key()), "entry %d", i)
		require.Equal(t, string(testValue(i)), string(iter.Value()), "entry %d", i)
		i++
	}
	require.NoError(t, iter.Error())
	require.Equal(t, n, i)

	for iter.Last(); iter.Valid(); iter.Prev() {
		i--
		require.Equal(t, string(testKey(i)), string(iter.Key()), "entry %d", i)
	}
	require.Zero(t, i)
	require.NoError(t, iter.Close())
}

func TestGet(t *testing.T) {
	const n = 500
	fs := vfs.NewMem()
	opts := &db.Options{BlockSize: 256}
	buildTable(t, fs, "test.ldb", n, opts)
	r := openReader(t, fs, "test.ldb", opts)
	defer r.Close()

	for i := 0; i < n; i += 7 {
		foundKey, value, err := r.Get(testKey(i), nil)
		require.NoError(t, err, "key %d", i)
		require.Equal(t, string(testKey(i)), string(foundKey))
		require.Equal(t, string(testValue(i)), string(value))
	}

	// Get returns the smallest entry >= key; the caller detects a miss by
	// comparing keys.
	foundKey, _, err := r.Get([]byte("key00010a"), nil)
	require.NoError(t, err)
	require.Equal(t, "key00011", string(foundKey))

	// Past the last entry there is nothing to return.
	_, _, err = r.Get([]byte("key99999"), nil)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestSeekGE(t *testing.T) {
	fs := vfs.NewMem()
	opts := &db.Options{BlockSize: 128}
	f, err := fs.Create("test.ldb")
	require.NoError(t, err)
	w := NewWriter(f, opts)
	for _, key := range []string{"b", "dd", "ff", "hhh", "j"} {
		require.NoError(t, w.Add([]byte(key), []byte("v-"+key)))
	}
	require.NoError(t, w.Close())

	r := openReader(t, fs, "test.ldb", opts)
	defer r.Close()
	iter := r.NewIter(nil)
	defer iter.Close()

	testCases := []struct {
		search string
		want   string
		valid  bool
	}{
		{"a", "b", true},
		{"b", "b", true},
		{"c", "dd", true},
		{"dd", "dd", true},
		{"e", "ff", true},
		{"hhh", "hhh", true},
		{"i", "j", true},
		{"j", "j", true},
		{"k", "", false},
	}
	for _, c := range testCases {
		iter.SeekGE([]byte(c.search))
		require.Equal(t, c.valid, iter.Valid(), "seek %q", c.search)
		if c.valid {
			require.Equal(t, c.want, string(iter.Key()), "seek %q", c.search)
		}
	}
}

func TestIterDirectionSwitch(t *testing.T) {
	const n = 100
	fs := vfs.NewMem()
	opts := &db.Options{BlockSize: 128}
	buildTable(t, fs, "test.ldb", n, opts)
	r := openReader(t, fs, "test.ldb", opts)
	defer r.Close()

	iter := r.NewIter(nil)
	defer iter.Close()

	iter.SeekGE(testKey(50))
	require.True(t, iter.Valid())
	require.Equal(t, string(testKey(50)), string(iter.Key()))
	require.True(t, iter.Next())
	require.Equal(t, string(testKey(51)), string(iter.Key()))
	require.True(t, iter.Prev())
	require.Equal(t, string(testKey(50)), string(iter.Key()))
	require.True(t, iter.Prev())
	require.Equal(t, string(testKey(49)), string(iter.Key()))
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, compression := range []db.Compression{
		db.NoCompression, db.SnappyCompression, db.ZstdCompression,
	} {
		t.Run(compression.String(), func(t *testing.T) {
			const n = 200
			fs := vfs.NewMem()
			opts := &db.Options{Compression: compression}
			buildTable(t, fs, "test.ldb", n, opts)
			r := openReader(t, fs, "test.ldb", opts)
			defer r.Close()

			for i := 0; i < n; i += 11 {
				foundKey, value, err := r.Get(testKey(i), nil)
				require.NoError(t, err)
				require.Equal(t, string(testKey(i)), string(foundKey))
				require.Equal(t, string(testValue(i)), string(value))
			}
		})
	}
}

func TestCompressionShrinksFile(t *testing.T) {
	sizeWith := func(compression db.Compression) int64 {
		fs := vfs.NewMem()
		buildTable(t, fs, "test.ldb", 2000, &db.Options{Compression: compression})
		f, err := fs.Open("test.ldb")
		require.NoError(t, err)
		defer f.Close()
		stat, err := f.Stat()
		require.NoError(t, err)
		return stat.Size()
	}
	// The generated keys and values are highly repetitive.
	require.Less(t, sizeWith(db.SnappyCompression), sizeWith(db.NoCompression))
}

func TestAddOutOfOrder(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("test.ldb")
	require.NoError(t, err)
	w := NewWriter(f, nil)
	require.NoError(t, w.Add([]byte("b"), nil))
	err = w.Add([]byte("a"), nil)
	require.ErrorIs(t, err, db.ErrInvalidArgument)
	// The writer is wedged once an Add fails.
	require.Error(t, w.Add([]byte("c"), nil))
}

func TestEmptyTable(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("test.ldb")
	require.NoError(t, err)
	w := NewWriter(f, nil)
	require.NoError(t, w.Close())

	r := openReader(t, fs, "test.ldb", nil)
	defer r.Close()

	iter := r.NewIter(nil)
	iter.First()
	require.False(t, iter.Valid())
	require.NoError(t, iter.Close())

	_, _, err = r.Get([]byte("a"), nil)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestCorruptBlock(t *testing.T) {
	const n = 500
	fs := vfs.NewMem()
	opts := &db.Options{BlockSize: 256}
	buildTable(t, fs, "test.ldb", n, opts)

	// Flip one byte early in the file, inside the first data block.
	f, err := fs.Open("test.ldb")
	require.NoError(t, err)
	stat, err := f.Stat()
	require.NoError(t, err)
	data := make([]byte, stat.Size())
	_, err = f.ReadAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	data[100] ^= 0xff
	g, err := fs.Create("test.ldb")
	require.NoError(t, err)
	_, err = g.Write(data)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	r := openReader(t, fs, "test.ldb", opts)
	defer r.Close()

	_, _, err = r.Get(testKey(0), &db.ReadOptions{VerifyChecksums: true})
	require.True(t, db.IsCorruption(err), "got %v", err)
}

func TestBlockCacheShared(t *testing.T) {
	const n = 500
	fs := vfs.NewMem()
	blockCache := cache.New[[]byte](1 << 20)
	opts := &db.Options{BlockSize: 256, BlockCache: blockCache}
	buildTable(t, fs, "test.ldb", n, opts)

	r := openReader(t, fs, "test.ldb", opts)
	defer r.Close()

	require.Zero(t, blockCache.TotalCharge())
	_, _, err := r.Get(testKey(123), nil)
	require.NoError(t, err)
	require.Positive(t, blockCache.TotalCharge())

	// A second read of the same block is served from the cache and must not
	// grow the footprint.
	charge := blockCache.TotalCharge()
	_, _, err = r.Get(testKey(123), nil)
	require.NoError(t, err)
	require.Equal(t, charge, blockCache.TotalCharge())
}

func TestBlockHandleEncoding(t *testing.T) {
	for _, bh := range []blockHandle{
		{0, 0},
		{1, 2},
		{1 << 20, 1 << 10},
		{1<<40 + 7, 1<<30 + 11},
	} {
		var buf [20]byte
		n := encodeBlockHandle(buf[:], bh)
		decoded, m := decodeBlockHandle(buf[:n])
		require.Equal(t, n, m)
		require.Equal(t, bh, decoded)
	}
}
