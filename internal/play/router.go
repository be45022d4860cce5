package play

import (
	"errors"
	"log/slog"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// handleEnvelope is the inbound handler for fabric traffic: replies settle
// pending requests, @stage.create spawns stages, everything else is
// stage-addressed dispatch.
func (n *Node) handleEnvelope(env *protocol.Envelope) {
	if env.IsReply() {
		if !n.requests.Complete(env.Packet.MsgSeq, &env.Packet) {
			slog.Debug("late reply dropped",
				"from", env.SourceNodeId, "msgId", env.Packet.MsgId, "msgSeq", env.Packet.MsgSeq)
		}
		return
	}

	if env.Packet.MsgId == constants.MsgCreateStage {
		n.handleCreateStage(env)
		return
	}

	if env.TargetStageId == 0 {
		// A play node serves stage-addressed traffic only.
		slog.Warn("stageless envelope on play node",
			"from", env.SourceNodeId, "msgId", env.Packet.MsgId)
		n.replyEnvelopeError(env, constants.BadRequest)
		return
	}

	s := n.pool.get(env.TargetStageId)
	if s == nil {
		n.replyEnvelopeError(env, constants.StageNotFound)
		return
	}

	var fail func(code uint16)
	if env.Packet.IsRequest() {
		fail = func(code uint16) { n.replyEnvelopeError(env, code) }
	}
	if err := s.post(func() { s.dispatchEnvelope(env) }, fail); err != nil {
		if n.metrics != nil {
			n.metrics.QueueDrop()
		}
		code := constants.StageNotFound
		if errors.Is(err, ErrQueueFull) {
			code = constants.Overloaded
		}
		n.replyEnvelopeError(env, code)
	}
}

// handleCreateStage serves @stage.create: explicit target id or 0 to have
// this node issue one. Creating an already-live stage of the same type is
// idempotent and answers with the existing id.
func (n *Node) handleCreateStage(env *protocol.Envelope) {
	r := protocol.NewReader(env.Packet.Payload)
	stageType, err := r.String()
	if err != nil || stageType == "" {
		n.replyEnvelopeError(env, constants.BadRequest)
		return
	}

	stageId := env.TargetStageId
	if stageId == 0 {
		stageId = n.pool.issueId()
	}
	creation := &protocol.Packet{
		MsgId:   constants.MsgCreateStage,
		StageId: stageId,
		Payload: r.Rest(),
	}
	done := func(code uint16) {
		if code != constants.Success {
			n.replyEnvelopeError(env, code)
			return
		}
		n.sendReplyEnvelope(env, &protocol.Packet{
			MsgId:   env.Packet.MsgId,
			MsgSeq:  env.Packet.MsgSeq,
			StageId: stageId,
		})
	}

	s, created, err := n.pool.getOrCreate(stageType, stageId, creation, done)
	if err != nil {
		slog.Warn("remote stage create failed",
			"from", env.SourceNodeId, "stage", stageId, "type", stageType, "error", err)
		n.replyEnvelopeError(env, constants.BadRequest)
		return
	}
	if created {
		// The create gate answers through done.
		return
	}
	if s.stageType != stageType {
		n.replyEnvelopeError(env, constants.WrongStageType)
		return
	}
	n.sendReplyEnvelope(env, &protocol.Packet{
		MsgId:   env.Packet.MsgId,
		MsgSeq:  env.Packet.MsgSeq,
		StageId: s.id,
	})
}

// replyEnvelopeError answers a fabric request with just a code. No-op for
// pushes.
func (n *Node) replyEnvelopeError(env *protocol.Envelope, code uint16) {
	if !env.Packet.IsRequest() {
		return
	}
	n.sendReplyEnvelope(env, protocol.NewError(&env.Packet, code))
}

// sendReplyEnvelope routes a reply back to the requesting node, mirroring
// the source stage so the requester's cache can settle it.
func (n *Node) sendReplyEnvelope(req *protocol.Envelope, reply *protocol.Packet) {
	if reply.MsgSeq == 0 {
		return
	}
	out := &protocol.Envelope{
		TargetNodeId:  req.SourceNodeId,
		TargetStageId: req.SourceStageId,
		SourceStageId: req.TargetStageId,
		AccountId:     req.AccountId,
		Flags:         constants.FlagReply,
		Packet:        *reply,
	}
	if err := n.cluster.Send(out); err != nil {
		slog.Warn("reply envelope send failed",
			"to", req.SourceNodeId, "msgId", reply.MsgId, "error", err)
	}
}
