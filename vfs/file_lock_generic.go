// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !solaris

package vfs

import (
	"io"
	"runtime"

	"github.com/cockroachdb/errors"
)

func (defaultFS) Lock(name string) (io.Closer, error) {
	return nil, errors.Newf("shale/vfs: file locking is not implemented on %s/%s",
		runtime.GOOS, runtime.GOARCH)
}
