// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package asyncdb

import (
	"github.com/shaledb/shale/scheduler"
	"github.com/shaledb/shale/vfs"
)

// FS lifts a file system onto the scheduler, one task per call. It follows
// the same single-shot task contract as the database adapter.
type FS struct {
	fs vfs.FS
	s  *scheduler.Scheduler
}

// WrapFS returns an asynchronous view of the file system.
func WrapFS(s *scheduler.Scheduler, fs vfs.FS) *FS {
	return &FS{fs: fs, s: s}
}

// Create returns a task that creates the named file.
func (f *FS) Create(name string) *Task[*File] {
	return newTask(f.s, func() (*File, error) {
		file, err := f.fs.Create(name)
		if err != nil {
			return nil, err
		}
		return &File{file: file, s: f.s}, nil
	})
}

// Open returns a task that opens the named file for reading.
func (f *FS) Open(name string, opts ...vfs.OpenOption) *Task[*File] {
	return newTask(f.s, func() (*File, error) {
		file, err := f.fs.Open(name, opts...)
		if err != nil {
			return nil, err
		}
		return &File{file: file, s: f.s}, nil
	})
}

// OpenForAppend returns a task that opens the named file for appending.
func (f *FS) OpenForAppend(name string) *Task[*File] {
	return newTask(f.s, func() (*File, error) {
		file, err := f.fs.OpenForAppend(name)
		if err != nil {
			return nil, err
		}
		return &File{file: file, s: f.s}, nil
	})
}

// Remove returns a task that removes the named file.
func (f *FS) Remove(name string) *Task[struct{}] {
	return newTask(f.s, func() (struct{}, error) {
		return struct{}{}, f.fs.Remove(name)
	})
}

// List returns a task that lists the directory.
func (f *FS) List(dirname string) *Task[[]string] {
	return newTask(f.s, func() ([]string, error) {
		return f.fs.List(dirname)
	})
}

// File lifts a file onto the scheduler.
type File struct {
	file vfs.File
	s    *scheduler.Scheduler
}

// Unwrap returns the underlying file.
func (f *File) Unwrap() vfs.File {
	return f.file
}

// ReadAt returns a task that reads len(p) bytes at the given offset. The
// buffer must not be touched until the task has been waited on.
func (f *File) ReadAt(p []byte, off int64) *Task[int] {
	return newTask(f.s, func() (int, error) {
		return f.file.ReadAt(p, off)
	})
}

// Write returns a task that appends p to the file. The buffer must not be
// modified until the task has been waited on.
func (f *File) Write(p []byte) *Task[int] {
	return newTask(f.s, func() (int, error) {
		return f.file.Write(p)
	})
}

// Sync returns a task that flushes the file to stable storage.
func (f *File) Sync() *Task[struct{}] {
	return newTask(f.s, func() (struct{}, error) {
		return struct{}{}, f.file.Sync()
	})
}

// Close returns a task that closes the file.
func (f *File) Close() *Task[struct{}] {
	return newTask(f.s, func() (struct{}, error) {
		return struct{}{}, f.file.Close()
	})
}
