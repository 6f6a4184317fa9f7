// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSeparator(t *testing.T) {
	testCases := []struct {
		a, b, want string
	}{
		{"black", "blue", "blb"},
		{"green", "", "green"},
		{"", "2", ""},
		{"1", "2", "1"},
		{"1", "29", "2"},
		{"13", "19", "14"},
		{"13", "99", "2"},
		{"135", "19", "14"},
		{"1357", "19", "14"},
		{"1357", "2", "14"},
		{"13\xff", "14", "13\xff"},
		{"13\xff", "19", "14"},
		{"1\xff\xff", "19", "1\xff\xff"},
		{"1\xff\xff", "2", "1\xff\xff"},
		{"1\xff\xff", "9", "2"},
		// An empty b means positive infinity.
		{"", "", ""},
		{"1", "", "1"},
		{"11", "", "11"},
		{"11\xff", "", "11\xff"},
		{"1\xff", "", "1\xff"},
		{"1\xff\xff", "", "1\xff\xff"},
		{"\xff", "", "\xff"},
		{"\xff\xff", "", "\xff\xff"},
		{"\xff\xff\xff", "", "\xff\xff\xff"},
	}
	for _, c := range testCases {
		got := string(DefaultComparer.Separator(nil, []byte(c.a), []byte(c.b)))
		require.Equal(t, c.want, got, "a=%q b=%q", c.a, c.b)

		// The contract: a <= sep, and sep < b when b is non-empty.
		require.LessOrEqual(t, 0, DefaultComparer.Compare([]byte(got), nil))
		require.True(t, DefaultComparer.Compare([]byte(c.a), []byte(got)) <= 0)
		if c.b != "" {
			require.True(t, DefaultComparer.Compare([]byte(got), []byte(c.b)) < 0)
		}
	}
}

func TestDefaultSuccessor(t *testing.T) {
	testCases := []struct {
		a, want string
	}{
		{"", ""},
		{"black", "c"},
		{"green", "h"},
		{"\xff", "\xff"},
		{"\xffa", "\xffb"},
		{"\xff\xff\xffz", "\xff\xff\xff{"},
		{"\xff\xff\xff", "\xff\xff\xff"},
	}
	for _, c := range testCases {
		got := string(DefaultComparer.Successor(nil, []byte(c.a)))
		require.Equal(t, c.want, got, "a=%q", c.a)
		require.True(t, DefaultComparer.Compare([]byte(c.a), []byte(got)) <= 0)
	}
}

func TestSeparatorAppendsToDst(t *testing.T) {
	dst := []byte("prefix-")
	got := DefaultComparer.Separator(dst, []byte("13"), []byte("19"))
	require.Equal(t, "prefix-14", string(got))

	dst = []byte("prefix-")
	got = DefaultComparer.Successor(dst, []byte("black"))
	require.Equal(t, "prefix-c", string(got))
}

func TestSharedPrefixLen(t *testing.T) {
	testCases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"a", "", 0},
		{"abc", "abd", 2},
		{"abc", "abc", 3},
		{"abc", "abcde", 3},
		{"xyz", "abc", 0},
	}
	for _, c := range testCases {
		require.Equal(t, c.want, SharedPrefixLen([]byte(c.a), []byte(c.b)), "a=%q b=%q", c.a, c.b)
	}
}
