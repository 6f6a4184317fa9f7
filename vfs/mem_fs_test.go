// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/stretchr/testify/require"
)

func TestMemFS(t *testing.T) {
	var fs *MemFS
	var files map[string]File
	var locks map[string]io.Closer

	datadriven.RunTest(t, "testdata/mem_fs", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "mem":
			fs, files, locks = NewMem(), map[string]File{}, map[string]io.Closer{}
			return ""
		case "strict-mem":
			fs, files, locks = NewStrictMem(), map[string]File{}, map[string]io.Closer{}
			return ""
		case "run":
			var buf strings.Builder
			for _, line := range strings.Split(td.Input, "\n") {
				fields := strings.Fields(line)
				if len(fields) == 0 {
					continue
				}
				if err := runMemFSOp(fs, files, locks, &buf, fields); err != nil {
					fmt.Fprintf(&buf, "%v\n", err)
				}
			}
			return buf.String()
		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}

func runMemFSOp(
	fs *MemFS, files map[string]File, locks map[string]io.Closer, buf *strings.Builder, fields []string,
) error {
	switch fields[0] {
	case "create":
		f, err := fs.Create(fields[1])
		if err != nil {
			return err
		}
		files[fields[1]] = f
	case "open":
		f, err := fs.Open(fields[1])
		if err != nil {
			return err
		}
		files[fields[1]] = f
	case "open-append":
		f, err := fs.OpenForAppend(fields[1])
		if err != nil {
			return err
		}
		files[fields[1]] = f
	case "write":
		_, err := files[fields[1]].Write([]byte(fields[2]))
		return err
	case "read":
		data, err := io.ReadAll(files[fields[1]])
		if err != nil {
			return err
		}
		fmt.Fprintf(buf, "%s\n", data)
	case "sync":
		return files[fields[1]].Sync()
	case "close":
		err := files[fields[1]].Close()
		delete(files, fields[1])
		return err
	case "remove":
		return fs.Remove(fields[1])
	case "rename":
		return fs.Rename(fields[1], fields[2])
	case "mkdirall":
		return fs.MkdirAll(fields[1], 0755)
	case "list":
		names, err := fs.List(fields[1])
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintf(buf, "%s\n", name)
		}
	case "stat":
		fi, err := fs.Stat(fields[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(buf, "%d\n", fi.Size())
	case "lock":
		l, err := fs.Lock(fields[1])
		if err != nil {
			return err
		}
		locks[fields[1]] = l
	case "unlock":
		err := locks[fields[1]].Close()
		delete(locks, fields[1])
		return err
	case "reset":
		fs.ResetToSyncedState()
	case "dump":
		buf.WriteString(fs.String())
	default:
		return errors.Newf("unknown op: %s", fields[0])
	}
	return nil
}

func TestMemFSReadAt(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("f")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g, err := fs.Open("f")
	require.NoError(t, err)
	defer g.Close()

	buf := make([]byte, 4)
	n, err := g.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, "3456", string(buf[:n]))

	// A read crossing the end returns the available bytes and io.EOF.
	n, err = g.ReadAt(buf, 8)
	require.Equal(t, 2, n)
	require.Equal(t, io.EOF, err)
	require.Equal(t, "89", string(buf[:n]))

	_, err = g.ReadAt(buf, 100)
	require.Equal(t, io.EOF, err)
}

func TestMemFSOpenForAppend(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("f")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g, err := fs.OpenForAppend("f")
	require.NoError(t, err)
	_, err = g.Write([]byte(" world"))
	require.NoError(t, err)
	require.NoError(t, g.Close())

	h, err := fs.Open("f")
	require.NoError(t, err)
	defer h.Close()
	data, err := io.ReadAll(h)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestMemFSStatMissing(t *testing.T) {
	fs := NewMem()
	_, err := fs.Stat("nope")
	require.True(t, oserror.IsNotExist(err))
	var pe *os.PathError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "stat", pe.Op)
}

func TestMemFSResetRequiresStrict(t *testing.T) {
	require.Panics(t, func() { NewMem().ResetToSyncedState() })
}

func TestMemFSPathHelpers(t *testing.T) {
	fs := NewMem()
	require.Equal(t, "c", fs.PathBase("/a/b/c"))
	require.Equal(t, "a/b/c", fs.PathJoin("a", "b", "c"))
}
