// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package asyncdb

import (
	"github.com/shaledb/shale"
	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/scheduler"
)

// DB wraps a database so that its operations run as scheduler tasks. The
// wrapped database retains its own concurrency contract: one logical writer
// at a time, unbounded readers.
type DB struct {
	db *shale.DB
	s  *scheduler.Scheduler
}

// Open returns a task that opens the database at dirname.
func Open(s *scheduler.Scheduler, dirname string, opts *db.Options) *Task[*DB] {
	return newTask(s, func() (*DB, error) {
		d, err := shale.Open(dirname, opts)
		if err != nil {
			return nil, err
		}
		return &DB{db: d, s: s}, nil
	})
}

// Wrap lifts an already open database onto the scheduler.
func Wrap(s *scheduler.Scheduler, d *shale.DB) *DB {
	return &DB{db: d, s: s}
}

// Unwrap returns the underlying synchronous database.
func (d *DB) Unwrap() *shale.DB {
	return d.db
}

// Set returns a task that sets the value for the given key.
func (d *DB) Set(key, value []byte, opts *db.WriteOptions) *Task[struct{}] {
	return newTask(d.s, func() (struct{}, error) {
		return struct{}{}, d.db.Set(key, value, opts)
	})
}

// Delete returns a task that deletes the entry for the given key.
func (d *DB) Delete(key []byte, opts *db.WriteOptions) *Task[struct{}] {
	return newTask(d.s, func() (struct{}, error) {
		return struct{}{}, d.db.Delete(key, opts)
	})
}

// Apply returns a task that applies the batch. The batch must not be
// modified until the task has been waited on.
func (d *DB) Apply(batch *shale.Batch, opts *db.WriteOptions) *Task[struct{}] {
	return newTask(d.s, func() (struct{}, error) {
		return struct{}{}, d.db.Apply(batch, opts)
	})
}

// Get returns a task that reads the value for the given key.
func (d *DB) Get(key []byte, opts *db.ReadOptions) *Task[[]byte] {
	return newTask(d.s, func() ([]byte, error) {
		return d.db.Get(key, opts)
	})
}

// Close returns a task that closes the database.
func (d *DB) Close() *Task[struct{}] {
	return newTask(d.s, func() (struct{}, error) {
		return struct{}{}, d.db.Close()
	})
}
