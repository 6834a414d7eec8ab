// Package codec contains the byte-level building blocks shared by every accessory wire format:
// bounds-checked readers and writers, the checksums used by the accessories, and reassembly of
// frames that arrive split across several notifications.
package codec

import (
	"encoding/binary"

	"github.com/streamlab/accessorylink/pkg/protocol"
)

// ErrTruncated is returned when a read runs past the end of a buffer. It matches
// protocol.ErrMalformedFrame.
var ErrTruncated error = &protocol.FrameError{Family: "codec", Reason: "truncated"}

// Reader is a cursor over an immutable byte slice. Every read is bounds-checked; once a read fails
// the Reader stays failed so that a decoder may check Err() once at the end.
type Reader struct {
	data   []byte
	offset int
	err    error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.offset < n {
		r.err = ErrTruncated
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.data) - r.offset
}

func (r *Reader) Offset() int {
	return r.offset
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16LE() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint16BE() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Uint24LE() uint32 {
	b := r.take(3)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (r *Reader) Uint32LE() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint32BE() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Rest returns a copy of everything not yet consumed.
func (r *Reader) Rest() []byte {
	return r.Bytes(r.Remaining())
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) {
	r.take(n)
}

// Writer is an append-only frame builder.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Uint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Uint16LE(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Uint16BE(v uint16) *Writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Uint24LE(v uint32) *Writer {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16))
	return w
}

func (w *Writer) Uint32LE(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Uint32BE(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

func (w *Writer) Len() int {
	return len(w.buf)
}

// Result returns the encoded bytes. The Writer must not be used afterwards.
func (w *Writer) Result() []byte {
	return w.buf
}
