package exchange

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// Frame size ceilings. Requests carry control arguments only; responses may
// carry bulk payloads such as file bodies or packfiles.
const (
	MaxRequestSize  = 1 << 20   // 1 MiB
	MaxResponseSize = 500 << 20 // 500 MiB
)

// ErrMalformedVarint reports a length prefix that overflows 64 bits or is
// not minimally encoded. This is a different failure class from an
// oversized but validly encoded length, which is a *FrameSizeError.
var ErrMalformedVarint = errors.New("exchange: malformed varint length prefix")

// FrameSizeError reports a declared frame length above the ceiling. The
// frame is rejected before any body byte is read and the stream should be
// considered untrustworthy.
type FrameSizeError struct {
	Declared uint64
	Max      uint64
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("exchange: declared frame size %d exceeds maximum %d", e.Declared, e.Max)
}

type flusher interface {
	Flush() error
}

// WriteFrame writes payload to w prefixed with its varint-encoded length,
// then flushes w if it is buffered. With a single writer per stream the
// frame reaches the transport whole.
func WriteFrame(w io.Writer, payload []byte) error {
	prefix := varint.ToUvarint(uint64(len(payload)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. The varint prefix is
// decoded incrementally, one byte at a time, so no look-ahead buffering is
// needed. The declared length is checked against maxSize before any body
// byte is read.
//
// A stream that closes before delivering any byte yields (nil, nil): the
// peer closed an idle connection, which is not a fault. A stream that
// closes after the prefix but before the full body yields
// io.ErrUnexpectedEOF. Note that a valid zero-length frame yields an empty
// non-nil slice, so the two cases stay distinguishable.
func ReadFrame(r io.Reader, maxSize uint64) ([]byte, error) {
	var (
		prefix [varint.MaxLenUvarint63]byte
		n      int
		one    [1]byte
	)
	for {
		k, err := r.Read(one[:])
		if k == 0 {
			if err == nil {
				continue
			}
			if err == io.EOF {
				if n == 0 {
					return nil, nil
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read frame prefix: %w", err)
		}
		prefix[n] = one[0]
		n++

		size, _, err := varint.FromUvarint(prefix[:n])
		if err == nil {
			return readBody(r, size, maxSize)
		}
		if errors.Is(err, varint.ErrUnderflow) {
			continue
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedVarint, err)
	}
}

func readBody(r io.Reader, size, maxSize uint64) ([]byte, error) {
	if size > maxSize {
		return nil, &FrameSizeError{Declared: size, Max: maxSize}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
