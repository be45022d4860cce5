package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderSymmetry(t *testing.T) {
	w := GetWriter()
	defer w.Put()

	w.Uint8(0x7F)
	w.Uint16(0xBEEF)
	w.Int32(-123456)
	w.Int64(-9_000_000_000)
	require.NoError(t, w.String("stage.chat"))
	w.Bytes([]byte{1, 2, 3})

	r := NewReader(w.Data())

	u8, err := r.Uint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x7F), u8)

	u16, err := r.Uint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), u16)

	i32, err := r.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-123456), i32)

	i64, err := r.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(-9_000_000_000), i64)

	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "stage.chat", s)

	rest := r.Rest()
	assert.Equal(t, []byte{1, 2, 3}, rest)
	assert.Zero(t, r.Remaining())
}

func TestReaderBounds(t *testing.T) {
	r := NewReader([]byte{0x01})

	_, err := r.Uint16()
	assert.Error(t, err)
	_, err = r.Int32()
	assert.Error(t, err)
	_, err = r.Int64()
	assert.Error(t, err)
	_, err = r.Bytes(2)
	assert.Error(t, err)
	_, err = r.Bytes(-1)
	assert.Error(t, err)

	// The single byte is still readable after failed wide reads.
	b, err := r.Uint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), b)
	_, err = r.Uint8()
	assert.Error(t, err)
}

func TestReaderStringTruncated(t *testing.T) {
	r := NewReader([]byte{5, 'a', 'b'})
	_, err := r.String()
	assert.Error(t, err)
}

func TestReaderBytesCopyIndependent(t *testing.T) {
	data := []byte{10, 20, 30}
	r := NewReader(data)

	cp, err := r.BytesCopy(3)
	require.NoError(t, err)
	data[0] = 99
	assert.Equal(t, []byte{10, 20, 30}, cp)
}

func TestReaderRestIsCopy(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	r := NewReader(data)
	_, err := r.Uint8()
	require.NoError(t, err)

	rest := r.Rest()
	data[1] = 0xEE
	assert.Equal(t, []byte{2, 3, 4}, rest)
	assert.Empty(t, r.Rest())
}

func TestWriterStringTooLong(t *testing.T) {
	w := GetWriter()
	defer w.Put()

	err := w.String(strings.Repeat("x", 256))
	assert.Error(t, err)
}

func TestWriterPoolReset(t *testing.T) {
	w := GetWriter()
	w.Bytes([]byte("leftover"))
	w.Put()

	w2 := GetWriter()
	defer w2.Put()
	assert.Zero(t, w2.Len(), "pooled writer must come back empty")
}
