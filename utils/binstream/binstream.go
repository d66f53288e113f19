// Package binstream implements the little-endian primitive encoding used for
// request and response bodies exchanged with grid nodes.
package binstream

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/google/uuid"
)

var (
	ErrShortBuffer    = errors.New("binstream: not enough data to read value")
	ErrNegativeLength = errors.New("binstream: negative length prefix")
)

type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) WriteInt8(v int8) {
	w.buf = append(w.buf, byte(v))
}

func (w *Writer) WriteInt16(v int16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(v))
}

func (w *Writer) WriteInt32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) WriteInt64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// WriteUUID writes the 16 raw bytes of the id in network order.
func (w *Writer) WriteUUID(v uuid.UUID) {
	w.buf = append(w.buf, v[:]...)
}

// WriteBytes writes an int32 length prefix followed by the data.
func (w *Writer) WriteBytes(v []byte) {
	w.WriteInt32(int32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) WriteString(v string) {
	w.WriteBytes([]byte(v))
}

// Reader decodes values written by a Writer.  The first failure is sticky:
// every read after it returns a zero value and Err reports the failure.
type Reader struct {
	buf []byte
	pos int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 {
		r.err = ErrNegativeLength
		return nil
	}

	if r.Remaining() < n {
		r.err = ErrShortBuffer
		return nil
	}

	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *Reader) ReadBool() bool {
	b := r.take(1)
	if b == nil {
		return false
	}
	return b[0] != 0
}

func (r *Reader) ReadInt8() int8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return int8(b[0])
}

func (r *Reader) ReadInt16() int16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int16(binary.LittleEndian.Uint16(b))
}

func (r *Reader) ReadInt32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *Reader) ReadInt64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *Reader) ReadFloat64() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (r *Reader) ReadUUID() uuid.UUID {
	var out uuid.UUID
	b := r.take(16)
	if b == nil {
		return out
	}
	copy(out[:], b)
	return out
}

func (r *Reader) ReadBytes() []byte {
	n := r.ReadInt32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *Reader) ReadString() string {
	return string(r.ReadBytes())
}

// ReadCount reads an int32 element count, rejecting negative values.
func (r *Reader) ReadCount() int {
	n := r.ReadInt32()
	if r.err == nil && n < 0 {
		r.err = ErrNegativeLength
		return 0
	}
	return int(n)
}
