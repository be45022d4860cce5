package api

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
	"github.com/playhouse/playhouse-go/internal/reqcache"
)

// Sender is the reply and routing facade handed to one handler invocation.
// It is bound to the inbound envelope; a request is answered at most once,
// later replies are dropped. Workers may block on the request channels.
type Sender struct {
	node    *Node
	env     *protocol.Envelope
	replied atomic.Bool
}

// NodeId returns this api node's cluster identity.
func (s *Sender) NodeId() string { return s.node.cfg.NodeId }

// SourceNodeId returns the node the message came from.
func (s *Sender) SourceNodeId() string { return s.env.SourceNodeId }

// SourceStageId returns the stage the message came from, 0 when it was not
// sent from inside a stage.
func (s *Sender) SourceStageId() int64 { return s.env.SourceStageId }

// AccountId returns the account the source attached, 0 when anonymous.
func (s *Sender) AccountId() int64 { return s.env.AccountId }

// ReplyCode answers the current request with just a code.
func (s *Sender) ReplyCode(code uint16) {
	s.Reply(&protocol.Packet{
		MsgId:     s.env.Packet.MsgId,
		ErrorCode: code,
	})
}

// Reply answers the current request. No-op with a warning for pushes and
// for a second reply.
func (s *Sender) Reply(pkt *protocol.Packet) {
	if !s.env.Packet.IsRequest() {
		slog.Warn("reply to a push dropped", "msgId", s.env.Packet.MsgId)
		return
	}
	if !s.replied.CompareAndSwap(false, true) {
		slog.Warn("duplicate reply dropped",
			"msgId", s.env.Packet.MsgId, "msgSeq", s.env.Packet.MsgSeq)
		return
	}
	s.sendReply(pkt)
}

// autoReply is the framework's exactly-once completion: it answers with
// code only when nothing replied yet. Reports whether it did.
func (s *Sender) autoReply(code uint16) bool {
	if !s.env.Packet.IsRequest() {
		return false
	}
	if !s.replied.CompareAndSwap(false, true) {
		return false
	}
	s.sendReply(&protocol.Packet{
		MsgId:     s.env.Packet.MsgId,
		ErrorCode: code,
	})
	return true
}

func (s *Sender) sendReply(pkt *protocol.Packet) {
	pkt.MsgSeq = s.env.Packet.MsgSeq
	if pkt.ErrorCode != constants.Success && s.node.metrics != nil {
		s.node.metrics.ErrorSent(constants.ErrorName(pkt.ErrorCode))
	}
	out := &protocol.Envelope{
		TargetNodeId:  s.env.SourceNodeId,
		TargetStageId: s.env.SourceStageId,
		AccountId:     s.env.AccountId,
		Flags:         constants.FlagReply,
		Packet:        *pkt,
	}
	if err := s.node.cluster.Send(out); err != nil {
		slog.Warn("reply send failed",
			"to", s.env.SourceNodeId, "msgId", pkt.MsgId, "error", err)
	}
}

// SendToStage pushes pkt to a stage on a play node.
func (s *Sender) SendToStage(nodeId string, stageId int64, pkt *protocol.Packet) error {
	pkt.MsgSeq = 0
	pkt.StageId = stageId
	return s.node.cluster.Send(&protocol.Envelope{
		TargetNodeId:  nodeId,
		TargetStageId: stageId,
		Packet:        *pkt,
	})
}

// RequestToStage requests from a stage on a play node. The channel resolves
// with the reply or a framework error packet, never blocks forever.
func (s *Sender) RequestToStage(nodeId string, stageId int64, pkt *protocol.Packet) <-chan *protocol.Packet {
	ch := make(chan *protocol.Packet, 1)
	seq, err := s.node.requests.Register(pkt.MsgId, 0, nodeId, func(reply *protocol.Packet) { ch <- reply })
	if err != nil {
		ch <- registerErrorReply(pkt, err)
		return ch
	}
	pkt.MsgSeq = seq
	pkt.StageId = stageId
	if sendErr := s.node.cluster.Send(&protocol.Envelope{
		TargetNodeId:  nodeId,
		TargetStageId: stageId,
		Packet:        *pkt,
	}); sendErr != nil {
		s.node.requests.Fail(seq, constants.NodeUnreachable)
	}
	return ch
}

// CreateStageResult is the outcome of a CreateStage request.
type CreateStageResult struct {
	ErrorCode uint16
	StageId   int64
	Reply     *protocol.Packet
}

// CreateStage asks a play node to spawn a stage. stageId 0 lets the target
// issue one; the result carries the live id either way. creation's payload
// is handed to the new stage's OnCreate.
func (s *Sender) CreateStage(nodeId, stageType string, stageId int64, creation *protocol.Packet) <-chan CreateStageResult {
	ch := make(chan CreateStageResult, 1)
	fail := func(code uint16) { ch <- CreateStageResult{ErrorCode: code} }

	var creationPayload []byte
	if creation != nil {
		creationPayload = creation.Payload
	}
	payload, err := protocol.TypedPayload(stageType, creationPayload)
	if err != nil {
		slog.Warn("create stage payload rejected", "type", stageType, "error", err)
		fail(constants.BadRequest)
		return ch
	}

	seq, err := s.node.requests.Register(constants.MsgCreateStage, 0, nodeId, func(reply *protocol.Packet) {
		ch <- CreateStageResult{
			ErrorCode: reply.ErrorCode,
			StageId:   reply.StageId,
			Reply:     reply,
		}
	})
	if err != nil {
		fail(registerErrorCode(err))
		return ch
	}
	if sendErr := s.node.cluster.Send(&protocol.Envelope{
		TargetNodeId:  nodeId,
		TargetStageId: stageId,
		Packet: protocol.Packet{
			MsgId:   constants.MsgCreateStage,
			MsgSeq:  seq,
			StageId: stageId,
			Payload: payload,
		},
	}); sendErr != nil {
		s.node.requests.Fail(seq, constants.NodeUnreachable)
	}
	return ch
}

func registerErrorCode(err error) uint16 {
	if errors.Is(err, reqcache.ErrCacheFull) {
		return constants.Overloaded
	}
	return constants.ServiceUnavailable
}

func registerErrorReply(req *protocol.Packet, err error) *protocol.Packet {
	return &protocol.Packet{
		MsgId:     req.MsgId,
		ErrorCode: registerErrorCode(err),
	}
}
