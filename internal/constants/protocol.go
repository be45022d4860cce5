package constants

// Wire protocol constants.
//
// All multi-byte values on the wire are little-endian. A client frame is
// `length:u32` followed by the body; `length` counts every byte after itself.
// Server-to-server frames share the body shape but carry a routing header
// between the length field and the body.

// Frame layout constants.
const (
	// LengthFieldSize is the size of the leading frame length field (u32).
	LengthFieldSize = 4

	// MaxMsgIdLen is the maximum msgId length in bytes (length fits in u8).
	MaxMsgIdLen = 255

	// MaxNodeIdLen is the maximum NodeId length in bytes (length fits in u8).
	MaxNodeIdLen = 255

	// RequestHeaderSize is the fixed part of a client→server body:
	// msgIdLen:u8 + msgSeq:u16 + stageId:i64.
	RequestHeaderSize = 1 + 2 + 8

	// ResponseHeaderSize is the fixed part of a server→client body:
	// msgIdLen:u8 + msgSeq:u16 + stageId:i64 + errorCode:u16 + originalSize:i32.
	ResponseHeaderSize = 1 + 2 + 8 + 2 + 4

	// EnvelopeFixedSize is the fixed part of the S2S routing header:
	// sourceLen:u8 + targetLen:u8 + targetServiceId:u16 + targetStageId:i64 +
	// sourceStageId:i64 + accountId:i64 + flags:u8.
	EnvelopeFixedSize = 1 + 1 + 2 + 8 + 8 + 8 + 1
)

// Envelope flag bits.
const (
	// FlagReply marks an envelope as a reply to a pending request. Needed
	// because msgSeq spaces are per-node: an inbound request from a peer may
	// carry the same seq as one of our own outstanding requests.
	FlagReply = 1 << 0
)

// DefaultMaxPacketSize caps a whole frame (1 MiB). Configurable per node.
const DefaultMaxPacketSize = 1 << 20

// System message ids. The '@' prefix is reserved: user messages must not
// start with it.
const (
	// MsgConnect binds a session to a target stage before authentication.
	// Payload: stageType as u8-length-prefixed UTF-8, then an optional
	// creation payload handed to OnCreate when the stage does not exist yet.
	MsgConnect = "@connect"

	// MsgPing and MsgPong are heartbeat pushes (msgSeq 0, empty payload).
	MsgPing = "@ping"
	MsgPong = "@pong"

	// MsgHello is the first S2S frame after dialing a peer; sourceNodeId
	// identifies the dialer.
	MsgHello = "@hello"

	// MsgCreateStage asks a Play node to create a stage. Payload: stageType
	// as u8-length-prefixed UTF-8 followed by the creation packet payload.
	// The reply carries the created stage id in the body stageId field.
	MsgCreateStage = "@stage.create"

	// MsgSessionClose is pushed to a client right before the server closes
	// its session on purpose; errorCode carries the reason.
	MsgSessionClose = "@session.close"

	// SystemPrefix marks framework-internal message ids.
	SystemPrefix = "@"
)

// MaxMsgSeq is the largest request sequence number; sequences cycle in
// [1, MaxMsgSeq] and 0 is reserved for pushes.
const MaxMsgSeq = 65535
