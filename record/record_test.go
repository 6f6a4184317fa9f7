// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package record

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaledb/shale/db"
)

type countingReporter struct {
	calls int
	bytes int
	last  error
}

func (r *countingReporter) Corruption(bytes int, reason error) {
	r.calls++
	r.bytes += bytes
	r.last = reason
}

func record(i, n int) []byte {
	b := make([]byte, n)
	for j := range b {
		b[j] = byte('a' + (i+j)%26)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 7, 100, BlockSize - headerSize, BlockSize, 3*BlockSize + 17, 40000}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i, n := range sizes {
		require.NoError(t, w.AddRecord(record(i, n)))
	}

	r := NewReader(&buf, nil, true, 0)
	for i, n := range sizes {
		got, err := r.Next()
		require.NoError(t, err, "record %d", i)
		require.Equal(t, record(i, n), got, "record %d", i)
	}
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func TestEmptyLog(t *testing.T) {
	r := NewReader(bytes.NewReader(nil), nil, true, 0)
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func TestBlockBoundarySpanning(t *testing.T) {
	// A record larger than one block must come back intact from its
	// first/middle/last chunks.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	big := record(0, 2*BlockSize+BlockSize/2)
	require.NoError(t, w.AddRecord(big))
	require.NoError(t, w.AddRecord(record(1, 10)))
	require.Greater(t, buf.Len(), 2*BlockSize)

	r := NewReader(&buf, nil, true, 0)
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, big, got)
	got, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, record(1, 10), got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestBlockTailPadding(t *testing.T) {
	// Leave fewer than headerSize bytes at the end of the first block. The
	// writer zero-pads and the next record begins on the next block.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	first := record(0, BlockSize-headerSize-3)
	require.NoError(t, w.AddRecord(first))
	require.NoError(t, w.AddRecord(record(1, 20)))

	// The padding is physically present.
	require.Equal(t, BlockSize+headerSize+20, buf.Len())
	block := buf.Bytes()[:BlockSize]
	require.Equal(t, []byte{0, 0, 0}, block[BlockSize-3:])

	reporter := &countingReporter{}
	r := NewReader(&buf, reporter, true, 0)
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, first, got)
	got, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, record(1, 20), got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
	require.Zero(t, reporter.calls)
}

func TestChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(record(0, 100)))
	require.NoError(t, w.AddRecord(record(1, 100)))

	// Flip a payload byte of the second record.
	data := buf.Bytes()
	data[headerSize+100+headerSize+50] ^= 0xff

	reporter := &countingReporter{}
	r := NewReader(bytes.NewReader(data), reporter, true, 0)
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, record(0, 100), got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)

	require.Equal(t, 1, reporter.calls)
	require.ErrorIs(t, reporter.last, db.ErrCorruption)
	require.Contains(t, reporter.last.Error(), "checksum mismatch")
}

func TestChecksumNotVerified(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(record(0, 100)))

	data := buf.Bytes()
	data[headerSize+50] ^= 0xff

	// With verification off the damaged payload is returned as is.
	r := NewReader(bytes.NewReader(data), nil, false, 0)
	got, err := r.Next()
	require.NoError(t, err)
	require.Len(t, got, 100)
	require.NotEqual(t, record(0, 100), got)
}

func TestCorruptionConfinedToBlock(t *testing.T) {
	// Damage in one block must not prevent reading records in later blocks.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	first := record(0, 10000)
	// second fills block 0 to within 3 bytes, so third starts block 1.
	second := record(1, BlockSize-10000-2*headerSize-3)
	third := record(2, 100)
	require.NoError(t, w.AddRecord(first))
	require.NoError(t, w.AddRecord(second))
	require.NoError(t, w.AddRecord(third))

	data := buf.Bytes()
	data[headerSize+10000+headerSize+10] ^= 0xff

	reporter := &countingReporter{}
	r := NewReader(bytes.NewReader(data), reporter, true, 0)
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, first, got)
	got, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, third, got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
	require.Equal(t, 1, reporter.calls)
}

func TestTruncatedTail(t *testing.T) {
	// A record cut off mid-payload reads back as a clean end of log: the
	// writer died before completing it.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(record(0, 100)))
	require.NoError(t, w.AddRecord(record(1, 1000)))

	data := buf.Bytes()[:headerSize+100+headerSize+500]

	reporter := &countingReporter{}
	r := NewReader(bytes.NewReader(data), reporter, true, 0)
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, record(0, 100), got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
	require.Zero(t, reporter.calls)
}

func TestTruncatedFragmentedRecord(t *testing.T) {
	// Truncation that removes the last chunk of a fragmented record drops
	// the whole record silently.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(record(0, 2*BlockSize)))

	data := buf.Bytes()[:BlockSize+100]

	reporter := &countingReporter{}
	r := NewReader(bytes.NewReader(data), reporter, true, 0)
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
	require.Zero(t, reporter.calls)
}

func TestZeroFilledRegion(t *testing.T) {
	// A preallocated region of zeroes after the last record must read as end
	// of log without corruption complaints.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(record(0, 100)))
	buf.Write(make([]byte, 1024))

	reporter := &countingReporter{}
	r := NewReader(&buf, reporter, true, 0)
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, record(0, 100), got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
	require.Zero(t, reporter.calls)
}

func TestLastRecordOffset(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	sizes := []int{100, 10000, 10, 50000}
	require.NoError(t, w.AddRecord(record(0, sizes[0])))
	require.NoError(t, w.AddRecord(record(1, sizes[1])))
	require.NoError(t, w.AddRecord(record(2, sizes[2])))
	require.NoError(t, w.AddRecord(record(3, sizes[3])))

	r := NewReader(&buf, nil, true, 0)
	var offsets []int64
	for i := range sizes {
		_, err := r.Next()
		require.NoError(t, err, "record %d", i)
		offsets = append(offsets, r.LastRecordOffset())
	}
	require.Equal(t, int64(0), offsets[0])
	require.Equal(t, int64(headerSize+100), offsets[1])
	require.Equal(t, int64(2*headerSize+100+10000), offsets[2])
	require.Equal(t, int64(3*headerSize+100+10000+10), offsets[3])
}

func TestInitialOffset(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(record(0, 100)))
	require.NoError(t, w.AddRecord(record(1, 200)))
	require.NoError(t, w.AddRecord(record(2, 300)))

	// Start at the physical offset of the second record.
	r := NewReader(bytes.NewReader(buf.Bytes()), nil, true, int64(headerSize+100))
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, record(1, 200), got)
	got, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, record(2, 300), got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestInitialOffsetResync(t *testing.T) {
	// An initial offset inside a fragmented record skips the remainder of
	// that record and resumes at the next one.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(record(0, 3*BlockSize)))
	require.NoError(t, w.AddRecord(record(1, 100)))

	r := NewReader(bytes.NewReader(buf.Bytes()), nil, true, BlockSize+1)
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, record(1, 100), got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestWriterAdoption(t *testing.T) {
	// Recovery reads an existing log to its end, then continues appending to
	// it with a writer positioned at the tail.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(record(0, 100)))
	require.NoError(t, w.AddRecord(record(1, BlockSize)))

	r := NewReader(bytes.NewReader(buf.Bytes()), nil, true, 0)
	for {
		if _, err := r.Next(); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
	}

	w2 := NewWriterWithOffset(&buf, int64(buf.Len()))
	require.NoError(t, w2.AddRecord(record(2, 200)))
	require.NoError(t, w2.AddRecord(record(3, BlockSize-13)))

	r = NewReader(bytes.NewReader(buf.Bytes()), nil, true, 0)
	for i, n := range []int{100, BlockSize, 200, BlockSize - 13} {
		got, err := r.Next()
		require.NoError(t, err, "record %d", i)
		require.Equal(t, record(i, n), got, "record %d", i)
	}
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func TestEmptyRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(nil))
	require.NoError(t, w.AddRecord([]byte("x")))
	require.Equal(t, 2*headerSize+1, buf.Len())

	r := NewReader(&buf, nil, true, 0)
	got, err := r.Next()
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, "x", string(got))
}

func TestUnknownChunkType(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddRecord(record(0, 50)))

	// A bogus chunk type past the last record. The length is consistent and
	// checksums are not verified, so only the type check can reject it.
	data := append([]byte(nil), buf.Bytes()...)
	data = append(data, 0, 0, 0, 0, 0, 0, 99)

	reporter := &countingReporter{}
	r := NewReader(bytes.NewReader(data), reporter, false, 0)
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, record(0, 50), got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
	require.Equal(t, 1, reporter.calls)
	require.Contains(t, reporter.last.Error(), "unknown record type")
}
