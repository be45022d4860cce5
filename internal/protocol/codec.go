package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/playhouse/playhouse-go/internal/constants"
)

// ErrMalformedPacket is returned for any framing violation. Receiving it
// terminates the offending session or peer connection.
var ErrMalformedPacket = errors.New("malformed packet")

// AppendRequest appends a client→server frame for p to dst:
// length:u32 | msgIdLen:u8 | msgId | msgSeq:u16 | stageId:i64 | payload.
// Client→server frames carry no originalSize field, so the payload is never
// compressed in this direction.
func AppendRequest(dst []byte, p *Packet, maxPacketSize int) ([]byte, error) {
	if err := validateMsgId(p.MsgId); err != nil {
		return nil, err
	}
	bodyLen := constants.RequestHeaderSize + len(p.MsgId) + len(p.Payload)
	if bodyLen > maxPacketSize {
		return nil, fmt.Errorf("%w: frame %d bytes exceeds max %d", ErrMalformedPacket, bodyLen, maxPacketSize)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(bodyLen))
	dst = append(dst, byte(len(p.MsgId)))
	dst = append(dst, p.MsgId...)
	dst = binary.LittleEndian.AppendUint16(dst, p.MsgSeq)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(p.StageId))
	dst = append(dst, p.Payload...)
	return dst, nil
}

// AppendResponse appends a server→client frame for p to dst:
// length:u32 | msgIdLen:u8 | msgId | msgSeq:u16 | stageId:i64 |
// errorCode:u16 | originalSize:i32 | payload.
// The payload is LZ4-compressed when compressThreshold > 0 and the payload
// exceeds it; originalSize then carries the uncompressed length.
func AppendResponse(dst []byte, p *Packet, compressThreshold, maxPacketSize int) ([]byte, error) {
	if err := validateMsgId(p.MsgId); err != nil {
		return nil, err
	}

	payload := p.Payload
	originalSize := int32(0)
	if compressThreshold > 0 && len(p.Payload) > compressThreshold {
		if c := CompressPayload(p.Payload); c != nil {
			payload = c
			originalSize = int32(len(p.Payload))
		}
	}

	bodyLen := constants.ResponseHeaderSize + len(p.MsgId) + len(payload)
	if bodyLen > maxPacketSize {
		return nil, fmt.Errorf("%w: frame %d bytes exceeds max %d", ErrMalformedPacket, bodyLen, maxPacketSize)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(bodyLen))
	dst = append(dst, byte(len(p.MsgId)))
	dst = append(dst, p.MsgId...)
	dst = binary.LittleEndian.AppendUint16(dst, p.MsgSeq)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(p.StageId))
	dst = binary.LittleEndian.AppendUint16(dst, p.ErrorCode)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(originalSize))
	dst = append(dst, payload...)
	return dst, nil
}

// EncodeRequest encodes p into a fresh client→server frame.
func EncodeRequest(p *Packet, maxPacketSize int) ([]byte, error) {
	return AppendRequest(nil, p, maxPacketSize)
}

// EncodeResponse encodes p into a fresh server→client frame.
func EncodeResponse(p *Packet, compressThreshold, maxPacketSize int) ([]byte, error) {
	return AppendResponse(nil, p, compressThreshold, maxPacketSize)
}

// DecodeRequestBody decodes a client→server body (the bytes after the length
// field). The returned packet owns its payload.
func DecodeRequestBody(body []byte) (*Packet, error) {
	r := NewReader(body)
	msgId, err := readMsgId(r)
	if err != nil {
		return nil, err
	}
	seq, err := r.Uint16()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	stageId, err := r.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return &Packet{
		MsgId:   msgId,
		MsgSeq:  seq,
		StageId: stageId,
		Payload: r.Rest(),
	}, nil
}

// DecodeResponseBody decodes a server→client body. Compressed payloads are
// decompressed before the packet surfaces.
func DecodeResponseBody(body []byte) (*Packet, error) {
	r := NewReader(body)
	msgId, err := readMsgId(r)
	if err != nil {
		return nil, err
	}
	seq, err := r.Uint16()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	stageId, err := r.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	code, err := r.Uint16()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	originalSize, err := r.Int32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	payload := r.Rest()
	if originalSize > 0 {
		payload, err = DecompressPayload(payload, int(originalSize))
		if err != nil {
			return nil, err
		}
	}

	return &Packet{
		MsgId:     msgId,
		MsgSeq:    seq,
		StageId:   stageId,
		ErrorCode: code,
		Payload:   payload,
	}, nil
}

func readMsgId(r *Reader) (string, error) {
	n, err := r.Uint8()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: empty msgId", ErrMalformedPacket)
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return string(b), nil
}

// Decoder accumulates a byte stream and emits complete frames. A single read
// may contain several frames or a fraction of one; Feed buffers everything
// and Next returns (nil, nil) until a whole frame is available.
type Decoder struct {
	maxPacketSize int
	decodeBody    func([]byte) (*Packet, error)
	buf           []byte
}

// NewRequestDecoder creates a Decoder for client→server frames.
func NewRequestDecoder(maxPacketSize int) *Decoder {
	return &Decoder{maxPacketSize: maxPacketSize, decodeBody: DecodeRequestBody}
}

// NewResponseDecoder creates a Decoder for server→client frames.
func NewResponseDecoder(maxPacketSize int) *Decoder {
	return &Decoder{maxPacketSize: maxPacketSize, decodeBody: DecodeResponseBody}
}

// Feed appends raw bytes from the transport.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Buffered returns the number of bytes awaiting a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete packet, or (nil, nil) when more bytes are
// needed. A framing violation returns ErrMalformedPacket; the buffer is then
// unusable and the connection must be dropped.
func (d *Decoder) Next() (*Packet, error) {
	if len(d.buf) < constants.LengthFieldSize {
		return nil, nil
	}
	bodyLen := int(binary.LittleEndian.Uint32(d.buf))
	if bodyLen > d.maxPacketSize {
		return nil, fmt.Errorf("%w: frame %d bytes exceeds max %d", ErrMalformedPacket, bodyLen, d.maxPacketSize)
	}
	if bodyLen < constants.RequestHeaderSize+1 {
		return nil, fmt.Errorf("%w: frame %d bytes below minimum", ErrMalformedPacket, bodyLen)
	}
	total := constants.LengthFieldSize + bodyLen
	if len(d.buf) < total {
		return nil, nil
	}

	pkt, err := d.decodeBody(d.buf[constants.LengthFieldSize:total])
	if err != nil {
		return nil, err
	}

	n := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:n]
	return pkt, nil
}

// DecodeRequestFrame decodes one full client→server frame (length prefix
// included), as delivered by a single WebSocket binary message.
func DecodeRequestFrame(frame []byte, maxPacketSize int) (*Packet, error) {
	body, err := frameBody(frame, maxPacketSize)
	if err != nil {
		return nil, err
	}
	return DecodeRequestBody(body)
}

// DecodeResponseFrame decodes one full server→client frame.
func DecodeResponseFrame(frame []byte, maxPacketSize int) (*Packet, error) {
	body, err := frameBody(frame, maxPacketSize)
	if err != nil {
		return nil, err
	}
	return DecodeResponseBody(body)
}

func frameBody(frame []byte, maxPacketSize int) ([]byte, error) {
	if len(frame) < constants.LengthFieldSize {
		return nil, fmt.Errorf("%w: frame %d bytes below length field", ErrMalformedPacket, len(frame))
	}
	bodyLen := int(binary.LittleEndian.Uint32(frame))
	if bodyLen > maxPacketSize {
		return nil, fmt.Errorf("%w: frame %d bytes exceeds max %d", ErrMalformedPacket, bodyLen, maxPacketSize)
	}
	if len(frame) != constants.LengthFieldSize+bodyLen {
		return nil, fmt.Errorf("%w: frame %d bytes, length field says %d", ErrMalformedPacket, len(frame), bodyLen)
	}
	return frame[constants.LengthFieldSize:], nil
}
