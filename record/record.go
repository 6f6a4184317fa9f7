// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package record reads and writes sequences of records for the write-ahead
// log. Each record is a stream of bytes, and the records are framed so that
// a reader can recover the stream after a crash truncates or corrupts it.
//
// The wire format is:
//
//	[record 0]
//	[record 1]
//	...
//	[record N]
//
// with each record split into one or more chunks. A chunk is:
//
//	checksum(4) ‖ length(2) ‖ type(1) ‖ payload(length)
//
// in little-endian byte order. The checksum is a masked CRC-32C over the
// type byte and the payload, so that a run of zero bytes never looks like a
// valid chunk. Chunks never span the fixed 32 KiB block boundary: if fewer
// than 7 bytes remain in a block, the remainder is zeroed and a new block
// begins. A record that fits in one chunk has type full; otherwise its
// chunks have types first, middle (zero or more) and last.
//
// Neither Readers nor Writers are safe to use concurrently.
package record

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/internal/crc"
)

const (
	// BlockSize is the physical framing unit of a log file.
	BlockSize = 32 * 1024

	headerSize = 7
)

const (
	// The zero chunk type is reserved: preallocated or partially written
	// files read back as runs of zeroes, which must not decode as chunks.
	zeroChunkType = iota
	fullChunkType
	firstChunkType
	middleChunkType
	lastChunkType
)

// Reporter receives corruption notices for byte ranges the reader had to
// drop. Replay continues past dropped ranges unless the caller decides
// otherwise.
type Reporter interface {
	Corruption(bytes int, reason error)
}

// Writer writes records to an underlying io.Writer, framing them into
// blocks.
type Writer struct {
	w           io.Writer
	blockOffset int
	err         error
	buf         [headerSize]byte
}

// NewWriter returns a writer that appends to w, which must be positioned at
// the start of a log file.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// NewWriterWithOffset returns a writer that appends to w, which is
// positioned offset bytes into an existing log file. It is used when an old
// log file is adopted during recovery.
func NewWriterWithOffset(w io.Writer, offset int64) *Writer {
	return &Writer{w: w, blockOffset: int(offset % BlockSize)}
}

var zeroes [headerSize - 1]byte

// AddRecord emits p as one logical record. An empty p still emits a single
// zero-length full chunk.
func (w *Writer) AddRecord(p []byte) error {
	if w.err != nil {
		return w.err
	}
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < headerSize {
			if leftover > 0 {
				if _, w.err = w.w.Write(zeroes[:leftover]); w.err != nil {
					return w.err
				}
			}
			w.blockOffset = 0
			leftover = BlockSize
		}

		avail := leftover - headerSize
		n := len(p)
		if n > avail {
			n = avail
		}
		end := n == len(p)

		var t byte
		switch {
		case begin && end:
			t = fullChunkType
		case begin:
			t = firstChunkType
		case end:
			t = lastChunkType
		default:
			t = middleChunkType
		}

		if w.err = w.emit(t, p[:n]); w.err != nil {
			return w.err
		}
		p = p[n:]
		begin = false
		if len(p) == 0 {
			return nil
		}
	}
}

func (w *Writer) emit(t byte, p []byte) error {
	c := crc.CRC(0).Update([]byte{t}).Update(p).Value()
	w.buf[0] = byte(c)
	w.buf[1] = byte(c >> 8)
	w.buf[2] = byte(c >> 16)
	w.buf[3] = byte(c >> 24)
	w.buf[4] = byte(len(p))
	w.buf[5] = byte(len(p) >> 8)
	w.buf[6] = t
	if _, err := w.w.Write(w.buf[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(p); err != nil {
		return err
	}
	w.blockOffset += headerSize + len(p)
	return nil
}

// Internal chunk-type results that are not real chunk types.
const (
	eofResult = lastChunkType + 1 + iota
	badResult
)

// Reader reads logical records back out of a log file, reassembling
// fragmented records and skipping corrupted ranges.
type Reader struct {
	r        io.Reader
	reporter Reporter
	checksum bool

	// initialOffset is the physical position from which the caller wants
	// records; chunks that begin before it are discarded. resyncing drops
	// middle/last fragments of a record that began before initialOffset.
	initialOffset    int64
	resyncing        bool
	lastRecordOffset int64

	buf [BlockSize]byte
	// buf[i:n] holds unconsumed bytes of the current block.
	i, n int
	// endOfBufferOffset is the physical offset just past buf[:n].
	endOfBufferOffset int64
	eof               bool

	scratch []byte
}

// NewReader returns a reader consuming records from r. If verifyChecksums is
// false, chunk checksums are not verified. Records beginning at a physical
// offset below initialOffset are skipped. reporter may be nil.
func NewReader(r io.Reader, reporter Reporter, verifyChecksums bool, initialOffset int64) *Reader {
	return &Reader{
		r:             r,
		reporter:      reporter,
		checksum:      verifyChecksums,
		initialOffset: initialOffset,
		resyncing:     initialOffset > 0,
	}
}

// LastRecordOffset returns the physical offset of the start of the last
// record returned by Next. It lets recovery adopt a log file as the active
// log with its tail position preserved.
func (r *Reader) LastRecordOffset() int64 {
	return r.lastRecordOffset
}

func (r *Reader) reportDrop(n int, reason error) {
	if r.reporter != nil && n > 0 {
		r.reporter.Corruption(n, reason)
	}
}

func corruptf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), db.ErrCorruption)
}

// Next returns the next logical record, valid until the following call to
// Next. It returns io.EOF at the clean end of the log. Corrupted ranges are
// reported to the Reporter and skipped.
func (r *Reader) Next() ([]byte, error) {
	if r.lastRecordOffset < r.initialOffset {
		if err := r.skipToInitialBlock(); err != nil {
			return nil, err
		}
	}

	r.scratch = r.scratch[:0]
	inFragmented := false
	var prospective int64

	for {
		fragment, t := r.readPhysicalChunk()
		physicalOffset := r.endOfBufferOffset - int64(r.n-r.i) - headerSize - int64(len(fragment))

		if r.resyncing {
			switch t {
			case middleChunkType:
				continue
			case lastChunkType:
				r.resyncing = false
				continue
			default:
				r.resyncing = false
			}
		}

		switch t {
		case fullChunkType:
			if inFragmented {
				r.reportDrop(len(r.scratch), corruptf("partial record without end"))
			}
			r.lastRecordOffset = physicalOffset
			return fragment, nil

		case firstChunkType:
			if inFragmented {
				r.reportDrop(len(r.scratch), corruptf("partial record without end"))
			}
			prospective = physicalOffset
			r.scratch = append(r.scratch[:0], fragment...)
			inFragmented = true

		case middleChunkType:
			if !inFragmented {
				r.reportDrop(len(fragment), corruptf("missing start of fragmented record"))
			} else {
				r.scratch = append(r.scratch, fragment...)
			}

		case lastChunkType:
			if !inFragmented {
				r.reportDrop(len(fragment), corruptf("missing start of fragmented record"))
			} else {
				r.scratch = append(r.scratch, fragment...)
				r.lastRecordOffset = prospective
				return r.scratch, nil
			}

		case eofResult:
			// A record cut off mid-fragment means the writer died in the
			// middle of it; the partial record is dropped without complaint.
			return nil, io.EOF

		case badResult:
			if inFragmented {
				r.reportDrop(len(r.scratch), corruptf("error in middle of record"))
				inFragmented = false
				r.scratch = r.scratch[:0]
			}
		}
	}
}

// skipToInitialBlock positions the underlying reader at the block containing
// initialOffset.
func (r *Reader) skipToInitialBlock() error {
	offsetInBlock := r.initialOffset % BlockSize
	blockStart := r.initialOffset - offsetInBlock
	// If the offset lands in the zero-padded block trailer, no chunk can
	// begin there; start with the next block.
	if offsetInBlock > BlockSize-headerSize {
		blockStart += BlockSize
	}
	if blockStart > 0 {
		if _, err := io.CopyN(io.Discard, r.r, blockStart); err != nil {
			r.reportDrop(int(blockStart), err)
			return err
		}
	}
	r.endOfBufferOffset = blockStart
	return nil
}

// readPhysicalChunk returns the payload and type of the next chunk, or one
// of eofResult/badResult.
func (r *Reader) readPhysicalChunk() ([]byte, int) {
	for {
		if r.n-r.i < headerSize {
			if !r.eof {
				// The tail of a block too small for a header is padding;
				// read the next block.
				n, err := io.ReadFull(r.r, r.buf[:])
				r.i, r.n = 0, n
				r.endOfBufferOffset += int64(n)
				if err == io.ErrUnexpectedEOF || err == io.EOF {
					r.eof = true
				} else if err != nil {
					r.reportDrop(BlockSize, err)
					r.eof = true
					return nil, eofResult
				}
				continue
			}
			// Truncated header at end of file: the writer died mid-header.
			r.i = r.n
			return nil, eofResult
		}

		header := r.buf[r.i : r.i+headerSize]
		length := int(header[4]) | int(header[5])<<8
		t := header[6]

		if r.i+headerSize+length > r.n {
			dropped := r.n - r.i
			r.i = r.n
			if !r.eof {
				r.reportDrop(dropped, corruptf("bad record length"))
				return nil, badResult
			}
			// Truncated payload at end of file: dropped silently.
			return nil, eofResult
		}

		if t == zeroChunkType && length == 0 {
			// Zero-filled region, typically file preallocation. Skip the
			// rest of the block without reporting.
			r.i = r.n
			return nil, badResult
		}

		if r.checksum {
			stored := uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16 | uint32(header[3])<<24
			if stored != crc.New(r.buf[r.i+6:r.i+headerSize+length]).Value() {
				dropped := r.n - r.i
				r.i = r.n
				r.reportDrop(dropped, corruptf("checksum mismatch"))
				return nil, badResult
			}
		}

		payload := r.buf[r.i+headerSize : r.i+headerSize+length]
		r.i += headerSize + length

		if r.endOfBufferOffset-int64(r.n-r.i)-headerSize-int64(length) < r.initialOffset {
			// The chunk begins before the requested starting offset.
			return nil, badResult
		}

		if t > lastChunkType || t == zeroChunkType {
			dropped := headerSize + length
			r.reportDrop(dropped, corruptf("unknown record type %d", t))
			return nil, badResult
		}

		return payload, int(t)
	}
}
