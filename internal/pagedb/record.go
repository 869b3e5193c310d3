// Row field encoding used inside a table payload.

package pagedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Codec serializes the fields of one row. The row id is written by the
// table and must not be encoded by the codec.
type Codec[T any] interface {
	EncodeRow(w *RecordWriter, row T) error
	DecodeRow(r *RecordReader) (T, error)
}

// CodecFuncs adapts a pair of functions to [Codec].
type CodecFuncs[T any] struct {
	Encode func(w *RecordWriter, row T) error
	Decode func(r *RecordReader) (T, error)
}

// EncodeRow implements [Codec].
func (c CodecFuncs[T]) EncodeRow(w *RecordWriter, row T) error {
	return c.Encode(w, row)
}

// DecodeRow implements [Codec].
func (c CodecFuncs[T]) DecodeRow(r *RecordReader) (T, error) {
	return c.Decode(r)
}

var errShortRecord = errors.New("record truncated")

// RecordWriter appends little-endian encoded fields to a record.
type RecordWriter struct {
	buf []byte
}

// Bytes returns the encoded record.
func (w *RecordWriter) Bytes() []byte {
	return w.buf
}

func (w *RecordWriter) reset() {
	w.buf = w.buf[:0]
}

// WriteInt64 appends v.
func (w *RecordWriter) WriteInt64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

// WriteInt32 appends v.
func (w *RecordWriter) WriteInt32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

// WriteInt appends v as 64 bits.
func (w *RecordWriter) WriteInt(v int) {
	w.WriteInt64(int64(v))
}

// WriteFloat64 appends v.
func (w *RecordWriter) WriteFloat64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// WriteBool appends v as one byte.
func (w *RecordWriter) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// WriteBytes appends a length-prefixed byte slice.
func (w *RecordWriter) WriteBytes(b []byte) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(b))) //nolint:gosec // rows are far below 4GiB
	w.buf = append(w.buf, b...)
}

// WriteString appends a length-prefixed string.
func (w *RecordWriter) WriteString(s string) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(s))) //nolint:gosec // rows are far below 4GiB
	w.buf = append(w.buf, s...)
}

// WriteTime appends t with nanosecond precision in UTC. The zero time round-trips.
func (w *RecordWriter) WriteTime(t time.Time) {
	if t.IsZero() {
		w.WriteBool(false)
		return
	}
	w.WriteBool(true)
	w.WriteInt64(t.Unix())
	w.WriteInt32(int32(t.Nanosecond())) //nolint:gosec // always < 1e9
}

// WriteLen appends a collection length.
func (w *RecordWriter) WriteLen(n int) {
	w.WriteInt32(int32(n)) //nolint:gosec // collections are far below 2^31
}

// RecordReader decodes fields written by [RecordWriter]. The first decoding
// failure is sticky: subsequent reads return zero values and Err reports it.
type RecordReader struct {
	buf []byte
	off int
	err error
}

// Err returns the first decoding error.
func (r *RecordReader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *RecordReader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *RecordReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d of %d", errShortRecord, n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// ReadInt64 reads a value written by [RecordWriter.WriteInt64].
func (r *RecordReader) ReadInt64() int64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b)) //nolint:gosec // round-trips Int64
}

// ReadInt32 reads a value written by [RecordWriter.WriteInt32].
func (r *RecordReader) ReadInt32() int32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b)) //nolint:gosec // round-trips Int32
}

// ReadInt reads a value written by [RecordWriter.WriteInt].
func (r *RecordReader) ReadInt() int {
	return int(r.ReadInt64())
}

// ReadFloat64 reads a value written by [RecordWriter.WriteFloat64].
func (r *RecordReader) ReadFloat64() float64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// ReadBool reads a value written by [RecordWriter.WriteBool].
func (r *RecordReader) ReadBool() bool {
	b := r.next(1)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		r.err = fmt.Errorf("invalid bool byte 0x%02x at offset %d", b[0], r.off-1)
		return false
	}
}

// ReadBytes reads a value written by [RecordWriter.WriteBytes]. The returned
// slice is a copy.
func (r *RecordReader) ReadBytes() []byte {
	n := r.ReadInt32()
	b := r.next(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadString reads a value written by [RecordWriter.WriteString].
func (r *RecordReader) ReadString() string {
	n := r.ReadInt32()
	b := r.next(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// ReadTime reads a value written by [RecordWriter.WriteTime].
func (r *RecordReader) ReadTime() time.Time {
	if !r.ReadBool() {
		return time.Time{}
	}
	sec := r.ReadInt64()
	nsec := r.ReadInt32()
	if r.err != nil {
		return time.Time{}
	}
	return time.Unix(sec, int64(nsec)).UTC()
}

// ReadLen reads a collection length written by [RecordWriter.WriteLen].
func (r *RecordReader) ReadLen() int {
	n := r.ReadInt32()
	if n < 0 && r.err == nil {
		r.err = fmt.Errorf("negative length %d at offset %d", n, r.off-4)
		return 0
	}
	// Each element takes at least one byte; reject lengths the record
	// cannot possibly hold before callers allocate for them.
	if int(n) > r.Remaining() && r.err == nil {
		r.err = fmt.Errorf("%w: length %d exceeds remaining %d bytes", errShortRecord, n, r.Remaining())
		return 0
	}
	return int(n)
}
