package protocol

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// nullLength marks a null string on the wire
const nullLength = -1

// Writer accumulates big-endian packet fields
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) WriteInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *Writer) WriteInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

func (w *Writer) WriteString(s string) {
	w.WriteInt32(int32(len(s)))
	w.buf.WriteString(s)
}

// WriteNullableString writes nil as the -1 sentinel
func (w *Writer) WriteNullableString(s *string) {
	if s == nil {
		w.WriteInt32(nullLength)
		return
	}
	w.WriteString(*s)
}

func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

func (w *Writer) Len() int {
	return w.buf.Len()
}

// Reader consumes big-endian packet fields from a single payload
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) take(n int, field string) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, errors.NewProtocolError("truncated payload", nil).
			WithContext("field", field).
			WithContext("needed", n).
			WithContext("remaining", r.Remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	b, err := r.take(4, "int32")
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.take(8, "int64")
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.take(1, "bool")
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadString decodes a string; a null string reads as ""
func (r *Reader) ReadString() (string, error) {
	s, err := r.ReadNullableString()
	if err != nil || s == nil {
		return "", err
	}
	return *s, nil
}

func (r *Reader) ReadNullableString() (*string, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if length == nullLength {
		return nil, nil
	}
	if length < 0 {
		return nil, errors.NewProtocolError("negative string length", nil).WithContext("length", length)
	}
	b, err := r.take(int(length), "string")
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(b) {
		return nil, errors.NewProtocolError("string is not valid UTF-8", nil)
	}
	s := string(b)
	return &s, nil
}
