// Package framing splits a byte stream into newline-delimited records using
// a single fixed-size buffer, so a connection's memory footprint never grows
// with the number of records it has carried.
package framing

import (
	"errors"
	"io"
	"net"
)

// MaxBufSize is the size of the framer's internal buffer. A record (the
// bytes between two newlines) together with its terminating newline must
// fit entirely within this buffer or ErrRecordTooLarge is returned.
const MaxBufSize = 4096

// ErrRecordTooLarge is returned when MaxBufSize bytes are buffered without
// a newline terminator being observed, so the longest readable record is
// MaxBufSize-1 bytes.
var ErrRecordTooLarge = errors.New("framing: record too large")

// Reader reads newline-delimited records from an underlying io.Reader. It is
// not safe for concurrent use — a Reader is read from a single goroutine.
type Reader struct {
	r       io.Reader
	buf     [MaxBufSize]byte
	writeAt int
}

// NewReader wraps r in a Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadRecord returns the next newline-delimited record, with the newline
// itself stripped. It returns io.EOF when the underlying stream ends cleanly
// between records, and ErrRecordTooLarge if a record would exceed the
// buffer without a newline ever being seen. Read timeouts (net.Error with
// Timeout() == true) are retried transparently; all other errors propagate.
func (r *Reader) ReadRecord() ([]byte, error) {
	for {
		if rec, ok := r.takeRecord(); ok {
			return rec, nil
		}

		if r.writeAt >= len(r.buf) {
			return nil, ErrRecordTooLarge
		}

		n, err := r.r.Read(r.buf[r.writeAt:])
		if n > 0 {
			r.writeAt += n
			if rec, ok := r.takeRecord(); ok {
				return rec, nil
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				// Any unterminated bytes left in the buffer are discarded —
				// a stream must end on a record boundary to be meaningful.
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// takeRecord extracts and compacts the first complete record currently
// buffered, if any.
func (r *Reader) takeRecord() ([]byte, bool) {
	idx := indexByte(r.buf[:r.writeAt], '\n')
	if idx < 0 {
		return nil, false
	}

	rec := make([]byte, idx)
	copy(rec, r.buf[:idx])

	// Compact: shift everything after the newline to the front.
	remaining := r.writeAt - (idx + 1)
	copy(r.buf[:remaining], r.buf[idx+1:r.writeAt])
	r.writeAt = remaining

	return rec, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
