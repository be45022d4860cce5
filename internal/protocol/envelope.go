package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/playhouse/playhouse-go/internal/constants"
)

// Envelope is the S2S frame: a routing header plus a Packet body. Either
// side of a node pair can send envelopes; SourceNodeId lets the receiver
// address its reply.
type Envelope struct {
	SourceNodeId    string
	TargetNodeId    string
	TargetServiceId uint16
	TargetStageId   int64
	SourceStageId   int64
	AccountId       int64
	Flags           uint8
	Packet          Packet
}

// IsReply reports whether this envelope answers a pending request.
func (e *Envelope) IsReply() bool {
	return e.Flags&constants.FlagReply != 0
}

func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{%s→%s svc=%d stage=%d srcStage=%d acc=%d flags=%02x %s}",
		e.SourceNodeId, e.TargetNodeId, e.TargetServiceId, e.TargetStageId,
		e.SourceStageId, e.AccountId, e.Flags, e.Packet.String())
}

// AppendEnvelope appends an S2S frame for e to dst. Framing matches the
// server→client shape with the routing header inserted between the length
// field and the packet body. Compression follows the same threshold rule.
func AppendEnvelope(dst []byte, e *Envelope, compressThreshold, maxPacketSize int) ([]byte, error) {
	if err := validateMsgId(e.Packet.MsgId); err != nil {
		return nil, err
	}
	if len(e.SourceNodeId) > constants.MaxNodeIdLen || len(e.TargetNodeId) > constants.MaxNodeIdLen {
		return nil, fmt.Errorf("%w: node id exceeds %d bytes", ErrMalformedPacket, constants.MaxNodeIdLen)
	}

	payload := e.Packet.Payload
	originalSize := int32(0)
	if compressThreshold > 0 && len(e.Packet.Payload) > compressThreshold {
		if c := CompressPayload(e.Packet.Payload); c != nil {
			payload = c
			originalSize = int32(len(e.Packet.Payload))
		}
	}

	bodyLen := constants.EnvelopeFixedSize + len(e.SourceNodeId) + len(e.TargetNodeId) +
		constants.ResponseHeaderSize + len(e.Packet.MsgId) + len(payload)
	if bodyLen > maxPacketSize {
		return nil, fmt.Errorf("%w: frame %d bytes exceeds max %d", ErrMalformedPacket, bodyLen, maxPacketSize)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(bodyLen))
	dst = append(dst, byte(len(e.SourceNodeId)))
	dst = append(dst, e.SourceNodeId...)
	dst = append(dst, byte(len(e.TargetNodeId)))
	dst = append(dst, e.TargetNodeId...)
	dst = binary.LittleEndian.AppendUint16(dst, e.TargetServiceId)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.TargetStageId))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.SourceStageId))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.AccountId))
	dst = append(dst, e.Flags)
	dst = append(dst, byte(len(e.Packet.MsgId)))
	dst = append(dst, e.Packet.MsgId...)
	dst = binary.LittleEndian.AppendUint16(dst, e.Packet.MsgSeq)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.Packet.StageId))
	dst = binary.LittleEndian.AppendUint16(dst, e.Packet.ErrorCode)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(originalSize))
	dst = append(dst, payload...)
	return dst, nil
}

// EncodeEnvelope encodes e into a fresh S2S frame.
func EncodeEnvelope(e *Envelope, compressThreshold, maxPacketSize int) ([]byte, error) {
	return AppendEnvelope(nil, e, compressThreshold, maxPacketSize)
}

// DecodeEnvelopeBody decodes an S2S body (bytes after the length field).
func DecodeEnvelopeBody(body []byte) (*Envelope, error) {
	r := NewReader(body)

	source, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("%w: source node: %v", ErrMalformedPacket, err)
	}
	target, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("%w: target node: %v", ErrMalformedPacket, err)
	}
	serviceId, err := r.Uint16()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	targetStage, err := r.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	sourceStage, err := r.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	accountId, err := r.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	flags, err := r.Uint8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	pkt, err := DecodeResponseBody(body[len(body)-r.Remaining():])
	if err != nil {
		return nil, err
	}

	return &Envelope{
		SourceNodeId:    source,
		TargetNodeId:    target,
		TargetServiceId: serviceId,
		TargetStageId:   targetStage,
		SourceStageId:   sourceStage,
		AccountId:       accountId,
		Flags:           flags,
		Packet:          *pkt,
	}, nil
}

// EnvelopeDecoder accumulates an S2S byte stream and emits envelopes, with
// the same partial-frame semantics as Decoder.
type EnvelopeDecoder struct {
	maxPacketSize int
	buf           []byte
}

// NewEnvelopeDecoder creates an EnvelopeDecoder.
func NewEnvelopeDecoder(maxPacketSize int) *EnvelopeDecoder {
	return &EnvelopeDecoder{maxPacketSize: maxPacketSize}
}

// Feed appends raw bytes from the peer connection.
func (d *EnvelopeDecoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next returns the next complete envelope, or (nil, nil) when more bytes are
// needed.
func (d *EnvelopeDecoder) Next() (*Envelope, error) {
	if len(d.buf) < constants.LengthFieldSize {
		return nil, nil
	}
	bodyLen := int(binary.LittleEndian.Uint32(d.buf))
	if bodyLen > d.maxPacketSize {
		return nil, fmt.Errorf("%w: frame %d bytes exceeds max %d", ErrMalformedPacket, bodyLen, d.maxPacketSize)
	}
	if bodyLen < constants.EnvelopeFixedSize+constants.ResponseHeaderSize+1 {
		return nil, fmt.Errorf("%w: frame %d bytes below minimum", ErrMalformedPacket, bodyLen)
	}
	total := constants.LengthFieldSize + bodyLen
	if len(d.buf) < total {
		return nil, nil
	}

	env, err := DecodeEnvelopeBody(d.buf[constants.LengthFieldSize:total])
	if err != nil {
		return nil, err
	}

	n := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:n]
	return env, nil
}
