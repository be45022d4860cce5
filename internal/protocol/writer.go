package protocol

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/playhouse/playhouse-go/internal/constants"
)

// Writer accumulates a packet body. Little-endian byte order throughout.
type Writer struct {
	buf bytes.Buffer
}

// writerPool reuses Writers to keep encode paths allocation-light.
var writerPool = sync.Pool{
	New: func() any {
		w := &Writer{}
		w.buf.Grow(512)
		return w
	},
}

// GetWriter returns a reset Writer from the pool.
func GetWriter() *Writer {
	w := writerPool.Get().(*Writer)
	w.buf.Reset()
	return w
}

// Put returns the Writer to the pool. Do not use it afterwards.
func (w *Writer) Put() {
	writerPool.Put(w)
}

// Uint8 writes a single byte.
func (w *Writer) Uint8(v uint8) {
	w.buf.WriteByte(v)
}

// Uint16 writes a u16 (2 bytes, LE).
func (w *Writer) Uint16(v uint16) {
	w.buf.WriteByte(byte(v))
	w.buf.WriteByte(byte(v >> 8))
}

// Int32 writes an i32 (4 bytes, LE).
func (w *Writer) Int32(v int32) {
	w.buf.WriteByte(byte(v))
	w.buf.WriteByte(byte(v >> 8))
	w.buf.WriteByte(byte(v >> 16))
	w.buf.WriteByte(byte(v >> 24))
}

// Int64 writes an i64 (8 bytes, LE).
func (w *Writer) Int64(v int64) {
	w.buf.WriteByte(byte(v))
	w.buf.WriteByte(byte(v >> 8))
	w.buf.WriteByte(byte(v >> 16))
	w.buf.WriteByte(byte(v >> 24))
	w.buf.WriteByte(byte(v >> 32))
	w.buf.WriteByte(byte(v >> 40))
	w.buf.WriteByte(byte(v >> 48))
	w.buf.WriteByte(byte(v >> 56))
}

// String writes a u8-length-prefixed UTF-8 string.
func (w *Writer) String(s string) error {
	if len(s) > constants.MaxMsgIdLen {
		return fmt.Errorf("string %d bytes exceeds u8 length prefix", len(s))
	}
	w.buf.WriteByte(byte(len(s)))
	w.buf.WriteString(s)
	return nil
}

// Bytes writes raw bytes.
func (w *Writer) Bytes(b []byte) {
	w.buf.Write(b)
}

// Len returns the accumulated length.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Data returns the accumulated bytes. The slice is only valid until the
// Writer is reused.
func (w *Writer) Data() []byte {
	return w.buf.Bytes()
}
