// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shale

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaledb/shale/db"
)

// fakeIter is an iterator over a fixed sorted list of key/value pairs.
type fakeIter struct {
	kvs    []string // "key:value"
	index  int
	closed bool
}

var _ db.Iterator = (*fakeIter)(nil)

func newFakeIter(kvs ...string) *fakeIter {
	return &fakeIter{kvs: kvs, index: -1}
}

func (f *fakeIter) split(i int) (key, value []byte) {
	s := f.kvs[i]
	j := bytes.IndexByte([]byte(s), ':')
	return []byte(s[:j]), []byte(s[j+1:])
}

func (f *fakeIter) SeekGE(key []byte) {
	for f.index = 0; f.index < len(f.kvs); f.index++ {
		if k, _ := f.split(f.index); bytes.Compare(k, key) >= 0 {
			return
		}
	}
}

func (f *fakeIter) First()     { f.index = 0 }
func (f *fakeIter) Last()      { f.index = len(f.kvs) - 1 }
func (f *fakeIter) Next() bool { f.index++; return f.Valid() }
func (f *fakeIter) Prev() bool { f.index--; return f.Valid() }

func (f *fakeIter) Key() []byte {
	k, _ := f.split(f.index)
	return k
}

func (f *fakeIter) Value() []byte {
	_, v := f.split(f.index)
	return v
}

func (f *fakeIter) Valid() bool  { return f.index >= 0 && f.index < len(f.kvs) }
func (f *fakeIter) Error() error { return nil }
func (f *fakeIter) Close() error { f.closed = true; return nil }

func collectForward(iter db.Iterator) (kvs []string) {
	for iter.First(); iter.Valid(); iter.Next() {
		kvs = append(kvs, string(iter.Key())+":"+string(iter.Value()))
	}
	return kvs
}

func TestMergingIterForward(t *testing.T) {
	m := newMergingIter(db.DefaultComparer.Compare,
		newFakeIter("a:1", "c:3", "e:5"),
		newFakeIter("b:2", "d:4", "f:6"),
	)
	require.Equal(t,
		[]string{"a:1", "b:2", "c:3", "d:4", "e:5", "f:6"},
		collectForward(m))
	require.NoError(t, m.Error())
	require.NoError(t, m.Close())
}

func TestMergingIterBackward(t *testing.T) {
	m := newMergingIter(db.DefaultComparer.Compare,
		newFakeIter("a:1", "c:3", "e:5"),
		newFakeIter("b:2", "d:4"),
	)
	var kvs []string
	for m.Last(); m.Valid(); m.Prev() {
		kvs = append(kvs, string(m.Key())+":"+string(m.Value()))
	}
	require.Equal(t, []string{"e:5", "d:4", "c:3", "b:2", "a:1"}, kvs)
	require.NoError(t, m.Close())
}

func TestMergingIterTies(t *testing.T) {
	// Equal keys surface lowest child first, so ordering children newest to
	// oldest surfaces the newest entry first.
	m := newMergingIter(db.DefaultComparer.Compare,
		newFakeIter("k:new"),
		newFakeIter("k:old"),
	)
	m.First()
	require.True(t, m.Valid())
	require.Equal(t, "new", string(m.Value()))
	require.True(t, m.Next())
	require.Equal(t, "old", string(m.Value()))
	require.False(t, m.Next())
	require.NoError(t, m.Close())
}

func TestMergingIterSeekGE(t *testing.T) {
	m := newMergingIter(db.DefaultComparer.Compare,
		newFakeIter("a:1", "e:5"),
		newFakeIter("c:3", "g:7"),
	)
	defer m.Close()

	testCases := []struct {
		search string
		want   string
		valid  bool
	}{
		{"a", "a", true},
		{"b", "c", true},
		{"c", "c", true},
		{"d", "e", true},
		{"g", "g", true},
		{"h", "", false},
	}
	for _, c := range testCases {
		m.SeekGE([]byte(c.search))
		require.Equal(t, c.valid, m.Valid(), "seek %q", c.search)
		if c.valid {
			require.Equal(t, c.want, string(m.Key()), "seek %q", c.search)
		}
	}
}

func TestMergingIterDirectionSwitch(t *testing.T) {
	m := newMergingIter(db.DefaultComparer.Compare,
		newFakeIter("a:1", "c:3", "e:5"),
		newFakeIter("b:2", "d:4", "f:6"),
	)
	defer m.Close()

	m.First()
	require.Equal(t, "a", string(m.Key()))
	require.True(t, m.Next())
	require.Equal(t, "b", string(m.Key()))
	require.True(t, m.Next())
	require.Equal(t, "c", string(m.Key()))

	// Reverse: every child must land just before the current key.
	require.True(t, m.Prev())
	require.Equal(t, "b", string(m.Key()))
	require.True(t, m.Prev())
	require.Equal(t, "a", string(m.Key()))
	require.False(t, m.Prev())

	// And forward again from the back.
	m.Last()
	require.Equal(t, "f", string(m.Key()))
	require.True(t, m.Prev())
	require.Equal(t, "e", string(m.Key()))
	require.True(t, m.Next())
	require.Equal(t, "f", string(m.Key()))
	require.False(t, m.Next())
}

func TestMergingIterClosesChildren(t *testing.T) {
	children := []*fakeIter{
		newFakeIter("a:1"),
		newFakeIter("b:2"),
	}
	m := newMergingIter(db.DefaultComparer.Compare, children[0], children[1])
	require.NoError(t, m.Close())
	for _, c := range children {
		require.True(t, c.closed)
	}
}
