// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaledb/shale/vfs"
)

func TestEnsureDefaults(t *testing.T) {
	var opts *Options
	opts = opts.EnsureDefaults()

	require.Equal(t, 16, opts.BlockRestartInterval)
	require.Equal(t, 4096, opts.BlockSize)
	require.Equal(t, DefaultComparer, opts.Comparer)
	require.Equal(t, NoCompression, opts.Compression)
	require.Equal(t, vfs.Default, opts.FS)
	require.Equal(t, 1000, opts.MaxOpenFiles)
	require.Equal(t, 4<<20, opts.WriteBufferSize)
	require.Nil(t, opts.BlockCache)
	require.Nil(t, opts.FilterPolicy)
	require.False(t, opts.ParanoidChecks)
}

func TestEnsureDefaultsPreservesSettings(t *testing.T) {
	fs := vfs.NewMem()
	opts := &Options{
		BlockSize:       512,
		Compression:     SnappyCompression,
		FS:              fs,
		MaxOpenFiles:    100,
		WriteBufferSize: 1 << 16,
	}
	opts = opts.EnsureDefaults()

	require.Equal(t, 512, opts.BlockSize)
	require.Equal(t, SnappyCompression, opts.Compression)
	require.Equal(t, fs, opts.FS)
	require.Equal(t, 100, opts.MaxOpenFiles)
	require.Equal(t, 1<<16, opts.WriteBufferSize)
}

func TestNilOptionGetters(t *testing.T) {
	var o *Options
	require.Equal(t, DefaultComparer, o.GetComparer())

	var ro *ReadOptions
	require.Zero(t, ro.GetSnapshot())
	require.False(t, ro.GetDontFillCache())
	require.False(t, ro.GetVerifyChecksums())

	ro = &ReadOptions{Snapshot: 7, DontFillCache: true, VerifyChecksums: true}
	require.Equal(t, uint64(7), ro.GetSnapshot())
	require.True(t, ro.GetDontFillCache())
	require.True(t, ro.GetVerifyChecksums())

	var wo *WriteOptions
	require.True(t, wo.GetSync())
	require.True(t, Sync.GetSync())
	require.False(t, NoSync.GetSync())
}

func TestCompressionString(t *testing.T) {
	require.Equal(t, "Snappy", SnappyCompression.String())
	require.Equal(t, "Zstd", ZstdCompression.String())
	require.Equal(t, "NoCompression", NoCompression.String())
	require.Equal(t, "Unknown", Compression(99).String())
}
