// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package db defines the interfaces for an ordered key/value store.
//
// A store's basic operations (Get, Set, Delete) should be self-explanatory.
// Get will return ErrNotFound if the requested key is not in the store.
//
// A store also allows for iterating over the key/value pairs in key order. If
// d is a DB, the code below prints all key/value pairs whose keys are 'greater
// than or equal to' k:
//
//	iter := d.NewIter(readOptions)
//	for iter.SeekGE(k); iter.Valid(); iter.Next() {
//		fmt.Printf("key=%q value=%q\n", iter.Key(), iter.Value())
//	}
//	return iter.Close()
//
// The Options struct in this package holds the optional parameters for these
// implementations, including a Comparer to define a 'less than' relationship
// over keys. It is always valid to pass a nil *Options, which means to use the
// default parameter values. Any zero field of a non-nil *Options also means to
// use the default value for that parameter.
package db

// Iterator iterates over a store's key/value pairs in key order.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
//
// An iterator is not necessarily goroutine-safe, but it is safe to use
// multiple iterators concurrently, with each in a dedicated goroutine.
type Iterator interface {
	// SeekGE moves the iterator to the first key/value pair whose key is
	// greater than or equal to the given key.
	SeekGE(key []byte)

	// First moves the iterator to the first key/value pair.
	First()

	// Last moves the iterator to the last key/value pair.
	Last()

	// Next moves the iterator to the next key/value pair. It returns whether
	// the iterator is still valid.
	Next() bool

	// Prev moves the iterator to the previous key/value pair. It returns
	// whether the iterator is still valid.
	Prev() bool

	// Key returns the key of the current key/value pair, or nil if done. The
	// caller should not modify the contents of the returned slice, and its
	// contents may change on the next call to Next.
	Key() []byte

	// Value returns the value of the current key/value pair, or nil if done.
	// The caller should not modify the contents of the returned slice, and
	// its contents may change on the next call to Next.
	Value() []byte

	// Valid returns true if the iterator is positioned at a valid key/value
	// pair and false otherwise. Valid returning false may mean exhaustion or
	// error; the caller must consult Error to distinguish.
	Valid() bool

	// Error returns any accumulated error.
	Error() error

	// Close closes the iterator and returns any accumulated error. Exhausting
	// all the key/value pairs is not considered to be an error. It is valid
	// to call Close multiple times. Other methods should not be called after
	// the iterator has been closed.
	Close() error
}
