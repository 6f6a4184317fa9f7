// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shale

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shaledb/shale/vfs"
)

type fileType int

const (
	fileTypeLog fileType = iota
	fileTypeLock
	fileTypeTable
	fileTypeOldFashionedTable
	fileTypeManifest
	fileTypeCurrent
)

func dbFilename(fs vfs.FS, dirname string, fileType fileType, fileNum uint64) string {
	switch fileType {
	case fileTypeLog:
		return fs.PathJoin(dirname, fmt.Sprintf("%06d.log", fileNum))
	case fileTypeLock:
		return fs.PathJoin(dirname, "LOCK")
	case fileTypeTable:
		return fs.PathJoin(dirname, fmt.Sprintf("%06d.ldb", fileNum))
	case fileTypeOldFashionedTable:
		return fs.PathJoin(dirname, fmt.Sprintf("%06d.sst", fileNum))
	case fileTypeManifest:
		return fs.PathJoin(dirname, fmt.Sprintf("MANIFEST-%06d", fileNum))
	case fileTypeCurrent:
		return fs.PathJoin(dirname, "CURRENT")
	}
	panic("unreachable")
}

func parseDBFilename(filename string) (fileType fileType, fileNum uint64, ok bool) {
	switch {
	case filename == "CURRENT":
		return fileTypeCurrent, 0, true
	case filename == "LOCK":
		return fileTypeLock, 0, true
	case filename == "LOG" || filename == "LOG.old":
		// Informational log files have no number.
		return 0, 0, false
	case strings.HasPrefix(filename, "MANIFEST-"):
		u, err := strconv.ParseUint(filename[len("MANIFEST-"):], 10, 64)
		if err != nil {
			break
		}
		return fileTypeManifest, u, true
	default:
		i := strings.IndexByte(filename, '.')
		if i < 0 {
			break
		}
		u, err := strconv.ParseUint(filename[:i], 10, 64)
		if err != nil {
			break
		}
		switch filename[i+1:] {
		case "log":
			return fileTypeLog, u, true
		case "ldb":
			return fileTypeTable, u, true
		case "sst":
			return fileTypeOldFashionedTable, u, true
		}
	}
	return 0, 0, false
}
