package protocol

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// CompressPayload LZ4-block-compresses src. Returns nil when compression
// does not shrink the payload (the caller then sends it raw).
func CompressPayload(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil || n == 0 || n >= len(src) {
		return nil
	}
	return dst[:n]
}

// DecompressPayload reverses CompressPayload. originalSize must be the
// uncompressed length announced by the sender.
func DecompressPayload(src []byte, originalSize int) ([]byte, error) {
	if originalSize <= 0 {
		return nil, fmt.Errorf("%w: originalSize %d", ErrMalformedPacket, originalSize)
	}
	dst := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrMalformedPacket, err)
	}
	if n != originalSize {
		return nil, fmt.Errorf("%w: lz4 produced %d bytes, expected %d", ErrMalformedPacket, n, originalSize)
	}
	return dst, nil
}
