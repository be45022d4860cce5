package play

import (
	"errors"
	"log/slog"
	"time"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
	"github.com/playhouse/playhouse-go/internal/reqcache"
)

// StageSender is the stage-wide facade handed to StageFactory. Every method
// must be called from inside the stage loop (hooks, timer callbacks, async
// post blocks); none of them are safe from foreign goroutines.
type StageSender struct {
	stage *stage
}

func (ss *StageSender) StageId() int64    { return ss.stage.id }
func (ss *StageSender) StageType() string { return ss.stage.stageType }
func (ss *StageSender) NodeId() string    { return ss.stage.node.cfg.NodeId }
func (ss *StageSender) ActorCount() int   { return len(ss.stage.actors) }

// Reply answers the request currently being dispatched with just an error
// code. No-op outside a request context or on a push.
func (ss *StageSender) Reply(code uint16) {
	s := ss.stage
	if s.cur == nil {
		slog.Warn("reply outside request context dropped", "stage", s.id)
		return
	}
	s.replyCurrent(&protocol.Packet{
		MsgId:     s.cur.msgId,
		MsgSeq:    s.cur.msgSeq,
		StageId:   s.cur.stageId,
		ErrorCode: code,
	})
}

// ReplyPacket answers the current request with a full payload. The packet's
// msgSeq is overwritten to mirror the request.
func (ss *StageSender) ReplyPacket(pkt *protocol.Packet) {
	s := ss.stage
	if s.cur == nil {
		slog.Warn("reply outside request context dropped",
			"stage", s.id, "msgId", pkt.MsgId)
		return
	}
	pkt.StageId = s.cur.stageId
	s.replyCurrent(pkt)
}

// SendToActor pushes to one connected actor's session. Reports false when
// the account is absent or lingering.
func (ss *StageSender) SendToActor(accountId int64, pkt *protocol.Packet) bool {
	s := ss.stage
	a, ok := s.actors[accountId]
	if !ok || !a.connected {
		return false
	}
	return s.node.pushToSession(a.sessionId, s.id, pkt)
}

// Broadcast pushes to every connected actor. A nil filter means everyone;
// otherwise only actors the filter accepts. Returns the delivery count.
func (ss *StageSender) Broadcast(pkt *protocol.Packet, filter func(*Actor) bool) int {
	s := ss.stage
	n := 0
	for _, a := range s.actors {
		if !a.connected {
			continue
		}
		if filter != nil && !filter(a) {
			continue
		}
		if s.node.pushToSession(a.sessionId, s.id, pkt) {
			n++
		}
	}
	return n
}

// SendToStage fires a push at another stage, local or remote.
func (ss *StageSender) SendToStage(nodeId string, stageId int64, pkt *protocol.Packet) error {
	s := ss.stage
	pkt.MsgSeq = 0
	pkt.StageId = stageId
	return s.node.cluster.Send(&protocol.Envelope{
		TargetNodeId:  nodeId,
		TargetStageId: stageId,
		SourceStageId: s.id,
		Packet:        *pkt,
	})
}

// RequestToStage sends a request to another stage and returns a channel the
// reply (or a synthesized error reply) arrives on exactly once. Receiving
// parks the stage loop, which is the point: the handler reads like
// synchronous code. Requesting the stage's own id therefore cannot be
// answered until the request times out; use RequestToStageCallback for
// self-sends.
func (ss *StageSender) RequestToStage(nodeId string, stageId int64, pkt *protocol.Packet) <-chan *protocol.Packet {
	ch := make(chan *protocol.Packet, 1)
	ss.requestStage(nodeId, stageId, pkt, func(reply *protocol.Packet) { ch <- reply })
	return ch
}

// RequestToStageCallback delivers the reply as a later stage event instead
// of parking the loop. The callback is dropped if the stage closes first.
func (ss *StageSender) RequestToStageCallback(nodeId string, stageId int64, pkt *protocol.Packet, cb func(reply *protocol.Packet)) {
	s := ss.stage
	ss.requestStage(nodeId, stageId, pkt, func(reply *protocol.Packet) {
		if err := s.post(func() { cb(reply) }, nil); err != nil {
			slog.Debug("request callback dropped", "stage", s.id, "msgId", pkt.MsgId, "error", err)
		}
	})
}

func (ss *StageSender) requestStage(nodeId string, stageId int64, pkt *protocol.Packet, done func(*protocol.Packet)) {
	s := ss.stage
	seq, err := s.node.requests.Register(pkt.MsgId, s.id, nodeId, done)
	if err != nil {
		done(registerErrorReply(pkt, s.id, err))
		return
	}
	pkt.MsgSeq = seq
	pkt.StageId = stageId
	sendErr := s.node.cluster.Send(&protocol.Envelope{
		TargetNodeId:  nodeId,
		TargetStageId: stageId,
		SourceStageId: s.id,
		Packet:        *pkt,
	})
	if sendErr != nil {
		s.node.requests.Fail(seq, constants.NodeUnreachable)
	}
}

// SendToApi pushes to any reachable node of the given service.
func (ss *StageSender) SendToApi(serviceId uint16, pkt *protocol.Packet) error {
	s := ss.stage
	pkt.MsgSeq = 0
	pkt.StageId = 0
	_, err := s.node.cluster.SendToService(&protocol.Envelope{
		SourceStageId: s.id,
		Packet:        *pkt,
	}, serviceId)
	return err
}

// RequestToApi requests from any reachable node of the given service. Same
// parking semantics as RequestToStage.
func (ss *StageSender) RequestToApi(serviceId uint16, pkt *protocol.Packet) <-chan *protocol.Packet {
	ch := make(chan *protocol.Packet, 1)
	ss.requestApi(serviceId, pkt, func(reply *protocol.Packet) { ch <- reply })
	return ch
}

// RequestToApiCallback is the non-parking form of RequestToApi.
func (ss *StageSender) RequestToApiCallback(serviceId uint16, pkt *protocol.Packet, cb func(reply *protocol.Packet)) {
	s := ss.stage
	ss.requestApi(serviceId, pkt, func(reply *protocol.Packet) {
		if err := s.post(func() { cb(reply) }, nil); err != nil {
			slog.Debug("request callback dropped", "stage", s.id, "msgId", pkt.MsgId, "error", err)
		}
	})
}

func (ss *StageSender) requestApi(serviceId uint16, pkt *protocol.Packet, done func(*protocol.Packet)) {
	s := ss.stage
	nodeId := s.node.cluster.Table().PickForService(serviceId)
	if nodeId == "" {
		done(&protocol.Packet{MsgId: pkt.MsgId, StageId: s.id, ErrorCode: constants.ServiceUnavailable})
		return
	}
	seq, err := s.node.requests.Register(pkt.MsgId, s.id, nodeId, done)
	if err != nil {
		done(registerErrorReply(pkt, s.id, err))
		return
	}
	pkt.MsgSeq = seq
	pkt.StageId = 0
	sendErr := s.node.cluster.Send(&protocol.Envelope{
		TargetNodeId:    nodeId,
		TargetServiceId: serviceId,
		SourceStageId:   s.id,
		Packet:          *pkt,
	})
	if sendErr != nil {
		s.node.requests.Fail(seq, constants.NodeUnreachable)
	}
}

// AddRepeatTimer schedules fn every period inside the stage loop. Returns
// the timer id, 0 on bad arguments.
func (ss *StageSender) AddRepeatTimer(initialDelay, period time.Duration, fn func()) int64 {
	s := ss.stage
	return s.node.timers.AddRepeat(s.id, initialDelay, period, fn)
}

// AddCountTimer schedules fn exactly count times.
func (ss *StageSender) AddCountTimer(initialDelay, period time.Duration, count int, fn func()) int64 {
	s := ss.stage
	return s.node.timers.AddCount(s.id, initialDelay, period, count, fn)
}

// CancelTimer stops a timer. Fires already queued still get dropped before
// running.
func (ss *StageSender) CancelTimer(timerId int64) bool {
	return ss.stage.node.timers.Cancel(timerId)
}

// AsyncBlock runs pre off the loop and posts post back into it with pre's
// result. Stage state must only be touched in post.
func (ss *StageSender) AsyncBlock(pre func() (any, error), post func(result any, err error)) {
	s := ss.stage
	go func() {
		res, err := pre()
		if post == nil {
			return
		}
		if perr := s.post(func() { post(res, err) }, nil); perr != nil {
			slog.Debug("async result dropped", "stage", s.id, "error", perr)
		}
	}()
}

// CloseStage destroys the stage at the end of the current event. If a
// request is being dispatched its success reply goes out first.
func (ss *StageSender) CloseStage() {
	s := ss.stage
	s.autoReply(constants.Success)
	s.destroy()
}

// ActorSender is the per-actor facade handed to ActorFactory. Loop-only,
// like StageSender.
type ActorSender struct {
	actor *Actor
}

func (as *ActorSender) Actor() *Actor { return as.actor }

func (as *ActorSender) AccountId() int64 { return as.actor.accountId }

// Stage returns the stage-wide facade for fabric sends and timers.
func (as *ActorSender) Stage() *StageSender { return as.actor.stage.sender }

// Reply answers the request currently being dispatched.
func (as *ActorSender) Reply(code uint16) { as.actor.stage.sender.Reply(code) }

// ReplyPacket answers the current request with a payload.
func (as *ActorSender) ReplyPacket(pkt *protocol.Packet) { as.actor.stage.sender.ReplyPacket(pkt) }

// Send pushes to this actor's own session. Lingering actors swallow the
// push.
func (as *ActorSender) Send(pkt *protocol.Packet) bool {
	a := as.actor
	if !a.connected {
		return false
	}
	return a.stage.node.pushToSession(a.sessionId, a.stage.id, pkt)
}

// LeaveStage removes the actor on purpose: OnLeaveStage, state teardown,
// session close. The current request, if any, is answered first.
func (as *ActorSender) LeaveStage(reason string) {
	a := as.actor
	s := a.stage
	if _, ok := s.actors[a.accountId]; !ok {
		return
	}
	s.autoReply(constants.Success)
	s.leaveActor(a, reason)
}

// registerErrorReply maps a request-cache registration failure onto a
// synthesized reply.
func registerErrorReply(req *protocol.Packet, stageId int64, err error) *protocol.Packet {
	code := constants.ServiceUnavailable
	if errors.Is(err, reqcache.ErrCacheFull) {
		code = constants.Overloaded
	}
	return &protocol.Packet{MsgId: req.MsgId, StageId: stageId, ErrorCode: code}
}
