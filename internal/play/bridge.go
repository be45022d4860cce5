package play

import (
	"errors"
	"log/slog"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// routeClientPacket is the inbound decision table for one client packet.
// Runs on the session's read loop.
func (n *Node) routeClientPacket(sess *Session, pkt *protocol.Packet) {
	switch pkt.MsgId {
	case constants.MsgPing:
		sess.sendPacket(&protocol.Packet{MsgId: constants.MsgPong})
		return
	case constants.MsgPong:
		// lastRecv already refreshed by the read loop.
		return
	}

	if !sess.IsJoined() {
		n.routePreAuth(sess, pkt)
		return
	}

	if pkt.IsSystem() {
		if pkt.IsRequest() {
			sess.sendPacket(protocol.NewError(pkt, constants.BadRequest))
		}
		return
	}

	s := n.pool.get(sess.StageId())
	if s == nil {
		if pkt.IsRequest() {
			sess.sendPacket(protocol.NewError(pkt, constants.StageNotFound))
		}
		return
	}
	n.postClientDispatch(s, sess, pkt)
}

// routePreAuth only lets @connect and the configured auth message through.
func (n *Node) routePreAuth(sess *Session, pkt *protocol.Packet) {
	switch {
	case pkt.MsgId == constants.MsgConnect:
		n.handleConnect(sess, pkt)

	case pkt.MsgId == n.cfg.AuthMsgId:
		n.handleAuth(sess, pkt)

	default:
		slog.Debug("packet before auth rejected",
			"session", sess.Id(), "client", sess.IP(), "msgId", pkt.MsgId)
		if pkt.IsRequest() {
			sess.sendPacket(protocol.NewError(pkt, constants.Unauthenticated))
		}
		sess.CloseGraceful()
	}
}

// handleConnect records the session's target stage. The stage itself is
// only created later, on authenticated join.
func (n *Node) handleConnect(sess *Session, pkt *protocol.Packet) {
	r := protocol.NewReader(pkt.Payload)
	stageType, err := r.String()
	if err != nil {
		if pkt.IsRequest() {
			sess.sendPacket(protocol.NewError(pkt, constants.BadRequest))
		}
		return
	}
	if stageType == "" {
		stageType = n.cfg.DefaultStageType
	}
	if stageType == "" || pkt.StageId == 0 {
		if pkt.IsRequest() {
			sess.sendPacket(protocol.NewError(pkt, constants.BadRequest))
		}
		return
	}
	if live := n.pool.get(pkt.StageId); live != nil && live.stageType != stageType {
		if pkt.IsRequest() {
			sess.sendPacket(protocol.NewError(pkt, constants.WrongStageType))
		}
		return
	}

	sess.stageType = stageType
	sess.connectPayload = r.Rest()
	sess.stageId.Store(pkt.StageId)
	if pkt.IsRequest() {
		sess.sendPacket(&protocol.Packet{
			MsgId:   pkt.MsgId,
			MsgSeq:  pkt.MsgSeq,
			StageId: pkt.StageId,
		})
	}
}

// handleAuth creates the target stage if needed and posts the auth request
// into its loop.
func (n *Node) handleAuth(sess *Session, pkt *protocol.Packet) {
	if !pkt.IsRequest() {
		slog.Debug("auth must be a request", "session", sess.Id())
		sess.CloseGraceful()
		return
	}
	stageId := sess.StageId()
	if stageId == 0 {
		sess.sendPacket(protocol.NewError(pkt, constants.BadRequest))
		return
	}

	creation := &protocol.Packet{
		MsgId:   constants.MsgConnect,
		StageId: stageId,
		Payload: sess.connectPayload,
	}
	// On a failed create the gate answers the auth request with the real
	// code; the queued auth item is then silently dropped with the queue.
	done := func(code uint16) {
		if code != constants.Success {
			sess.sendPacket(protocol.NewError(pkt, code))
			sess.CloseGraceful()
		}
	}

	s, created, err := n.pool.getOrCreate(sess.stageType, stageId, creation, done)
	if err != nil {
		slog.Warn("stage create failed", "session", sess.Id(), "stage", stageId,
			"type", sess.stageType, "error", err)
		sess.sendPacket(protocol.NewError(pkt, constants.BadRequest))
		sess.CloseGraceful()
		return
	}
	if s.stageType != sess.stageType {
		sess.sendPacket(protocol.NewError(pkt, constants.WrongStageType))
		sess.CloseGraceful()
		return
	}

	var fail func(code uint16)
	if !created {
		fail = func(code uint16) { sess.sendPacket(protocol.NewError(pkt, code)) }
	}
	if err := s.post(func() { s.runAuthenticate(sess, pkt) }, fail); err != nil {
		n.replyPostError(sess, pkt, err)
	}
}

// postClientDispatch hands a joined session's packet to its stage, applying
// the overload policy when the queue refuses it.
func (n *Node) postClientDispatch(s *stage, sess *Session, pkt *protocol.Packet) {
	var fail func(code uint16)
	if pkt.IsRequest() {
		fail = func(code uint16) { sess.sendPacket(protocol.NewError(pkt, code)) }
	}
	if err := s.post(func() { s.dispatchClient(sess, pkt) }, fail); err != nil {
		n.replyPostError(sess, pkt, err)
	}
}

// replyPostError maps queue rejection onto the wire: requests learn the
// reason, pushes are dropped with a log line.
func (n *Node) replyPostError(sess *Session, pkt *protocol.Packet, err error) {
	if n.metrics != nil {
		n.metrics.QueueDrop()
	}
	code := constants.StageNotFound
	if errors.Is(err, ErrQueueFull) {
		code = constants.Overloaded
	}
	if pkt.IsRequest() {
		sess.sendPacket(protocol.NewError(pkt, code))
	} else {
		slog.Debug("push dropped", "session", sess.Id(), "msgId", pkt.MsgId, "error", err)
	}
}
