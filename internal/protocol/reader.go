package protocol

import (
	"encoding/binary"
	"fmt"
)

// Reader provides bounds-checked reads over a packet body.
// Uses little-endian byte order for all multi-byte values.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() (uint8, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("read u8: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// Uint16 reads a u16 (2 bytes, LE).
func (r *Reader) Uint16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, fmt.Errorf("read u16: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

// Int32 reads an i32 (4 bytes, LE).
func (r *Reader) Int32() (int32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("read i32: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	return v, nil
}

// Int64 reads an i64 (8 bytes, LE).
func (r *Reader) Int64() (int64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("read i64: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	v := int64(binary.LittleEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return v, nil
}

// String reads a u8-length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	n, err := r.Uint8()
	if err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", fmt.Errorf("read string body: %w", err)
	}
	return string(b), nil
}

// Bytes reads n bytes. The returned slice aliases the reader's data; callers
// that keep it past the buffer's lifetime must use BytesCopy.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("read bytes: negative count %d", n)
	}
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("read bytes: not enough data (pos=%d, need=%d, len=%d)", r.pos, n, len(r.data))
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// BytesCopy reads n bytes into a fresh slice.
func (r *Reader) BytesCopy(n int) ([]byte, error) {
	b, err := r.Bytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Rest returns all unread bytes as a fresh copy.
func (r *Reader) Rest() []byte {
	out := make([]byte, len(r.data)-r.pos)
	copy(out, r.data[r.pos:])
	r.pos = len(r.data)
	return out
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}
