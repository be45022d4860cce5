package protocol

import (
	"fmt"
	"strings"

	"github.com/playhouse/playhouse-go/internal/constants"
)

// Packet is the unit of exchange with clients and the body of S2S envelopes.
// MsgSeq 0 means push (fire-and-forget); a non-zero MsgSeq pairs a request
// with the reply carrying the same value. Payload bytes are opaque to the
// framework (typically a serialized protobuf message).
type Packet struct {
	MsgId     string
	MsgSeq    uint16
	StageId   int64
	ErrorCode uint16
	Payload   []byte
}

// New creates a push packet for the given message id.
func New(msgId string, payload []byte) *Packet {
	return &Packet{MsgId: msgId, Payload: payload}
}

// NewError creates an error reply mirroring the request's seq and stage.
func NewError(req *Packet, code uint16) *Packet {
	return &Packet{
		MsgId:     req.MsgId,
		MsgSeq:    req.MsgSeq,
		StageId:   req.StageId,
		ErrorCode: code,
	}
}

// IsRequest reports whether the packet expects a reply.
func (p *Packet) IsRequest() bool {
	return p.MsgSeq != 0
}

// IsSystem reports whether the packet carries a framework-internal message.
func (p *Packet) IsSystem() bool {
	return strings.HasPrefix(p.MsgId, constants.SystemPrefix)
}

// IsError reports whether the packet carries a non-zero error code.
func (p *Packet) IsError() bool {
	return p.ErrorCode != constants.Success
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{msgId=%s seq=%d stage=%d err=%d payload=%dB}",
		p.MsgId, p.MsgSeq, p.StageId, p.ErrorCode, len(p.Payload))
}

// TypedPayload builds the payload shape shared by @connect and
// @stage.create: a u8-length-prefixed stage type followed by the creation
// bytes.
func TypedPayload(stageType string, payload []byte) ([]byte, error) {
	w := GetWriter()
	defer w.Put()
	if err := w.String(stageType); err != nil {
		return nil, fmt.Errorf("writing stage type: %w", err)
	}
	w.Bytes(payload)
	out := make([]byte, w.Len())
	copy(out, w.Data())
	return out, nil
}

// validateMsgId enforces the msgId length rules shared by every frame shape.
func validateMsgId(msgId string) error {
	if len(msgId) == 0 {
		return fmt.Errorf("%w: empty msgId", ErrMalformedPacket)
	}
	if len(msgId) > constants.MaxMsgIdLen {
		return fmt.Errorf("%w: msgId %d bytes exceeds %d", ErrMalformedPacket, len(msgId), constants.MaxMsgIdLen)
	}
	return nil
}
