// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package scheduler

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// running maps goroutine IDs to the worker running on them, so that a job
// can discover its own worker with CaptureContext. Entries exist only for
// the lifetime of a worker goroutine.
var running sync.Map

func registerWorker(w *worker) {
	running.Store(goroutineID(), w)
}

func unregisterWorker() {
	running.Delete(goroutineID())
}

func currentWorker() *worker {
	if w, ok := running.Load(goroutineID()); ok {
		return w.(*worker)
	}
	return nil
}

// goroutineID parses the current goroutine's ID from the first line of its
// stack trace, which reads "goroutine N [state]:". The runtime offers no
// direct accessor.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
