// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build linux

package vfs

import "golang.org/x/sys/unix"

func fadviseRandom(fd uintptr) error {
	return unix.Fadvise(int(fd), 0, 0, unix.FADV_RANDOM)
}
