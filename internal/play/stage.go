// Package play implements the stateful node role: client sessions, stages
// with single-writer event loops, actors, timers, and the bridge onto the
// cluster fabric. User code plugs in through the Stage and ActorState
// contracts plus the sender facades.
package play

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// Stage is the user contract for a room. All hooks run inside the stage's
// event loop, so implementations never need their own locking for stage
// state. A hook that returns a non-zero error code becomes the reply to the
// triggering request unless the hook already replied itself.
type Stage interface {
	// OnCreate runs once before the stage accepts any other event. A
	// non-zero return abandons the stage.
	OnCreate(pkt *protocol.Packet) uint16

	// OnPostCreate runs as the first event after a successful create.
	OnPostCreate()

	// OnAuthenticate validates a session's credentials and names the
	// account. A non-zero code rejects the session.
	OnAuthenticate(pkt *protocol.Packet) (accountId int64, code uint16)

	// OnJoinStage admits an authenticated actor. A non-zero code rejects
	// the join and the actor is discarded.
	OnJoinStage(actor *Actor, pkt *protocol.Packet) uint16

	// OnPostJoinStage runs as a separate event after the join reply went
	// out.
	OnPostJoinStage(actor *Actor)

	// OnDispatch handles every non-system packet. actor is nil for
	// stage-level packets arriving from other stages or api nodes.
	OnDispatch(actor *Actor, pkt *protocol.Packet)

	// OnActorConnectionChanged reports a disconnect (lingering actor) or a
	// resumed connection.
	OnActorConnectionChanged(actor *Actor, connected bool)

	// OnLeaveStage runs when an actor leaves on purpose, before the actor
	// is destroyed.
	OnLeaveStage(actor *Actor, reason string)

	// OnDestroy runs last, after timers are cancelled and before actors
	// are disposed.
	OnDestroy()
}

// ActorState is the user contract for per-actor state inside a stage.
type ActorState interface {
	OnCreate()
	OnDestroy()
}

// StageFactory builds the user stage. The sender is valid for the stage's
// whole life.
type StageFactory func(sender *StageSender) Stage

// ActorFactory builds per-actor user state. May return nil when a stage
// type needs none.
type ActorFactory func(sender *ActorSender) ActorState

// reqContext captures the request being dispatched so Reply can mirror its
// seq and route the answer. Exactly one reply per request: the first wins,
// later attempts are logged and dropped.
type reqContext struct {
	sessionId int64
	msgId     string
	msgSeq    uint16
	stageId   int64
	// source is set for requests that arrived over the fabric; the reply
	// travels back as an envelope instead of a session write.
	source  *protocol.Envelope
	replied bool
}

// stage is the runtime behind one Stage instance.
type stage struct {
	id        int64
	stageType string
	node      *Node

	queue      *stageQueue
	processing atomic.Bool

	// actorCount mirrors len(actors) for readers outside the loop.
	actorCount atomic.Int32

	// Loop-only state below; the drain worker is the sole accessor.
	user    Stage
	sender  *StageSender
	actors  map[int64]*Actor
	cur     *reqContext
	closed  bool
	created bool
}

func newStage(node *Node, id int64, stageType string) *stage {
	s := &stage{
		id:        id,
		stageType: stageType,
		node:      node,
		queue:     newStageQueue(node.cfg.StageQueueCap),
		actors:    make(map[int64]*Actor),
	}
	s.sender = &StageSender{stage: s}
	return s
}

// post enqueues fn and kicks the drain worker. fail, when non-nil, lets the
// framework error-reply if the item is dropped on stage close.
func (s *stage) post(fn func(), fail func(code uint16)) error {
	if err := s.queue.post(item{run: fn, fail: fail}); err != nil {
		return err
	}
	s.tryDrain()
	return nil
}

func (s *stage) tryDrain() {
	if !s.processing.CompareAndSwap(false, true) {
		return
	}
	go s.drain()
}

// drain implements the single-writer loop: whoever wins the processing flag
// empties the queue, releases the flag, and re-checks so no posted item is
// stranded.
func (s *stage) drain() {
	for {
		for {
			it, ok := s.queue.tryDequeue()
			if !ok {
				break
			}
			s.invoke(it)
		}
		s.processing.Store(false)
		if s.queue.depth() == 0 || !s.processing.CompareAndSwap(false, true) {
			return
		}
	}
}

// invoke runs one queue item, fencing user panics so one bad handler does
// not take the node down.
func (s *stage) invoke(it item) {
	if s.closed {
		if it.fail != nil {
			it.fail(constants.StageNotFound)
		}
		return
	}

	start := time.Now()
	defer func() {
		if s.node.metrics != nil {
			s.node.metrics.Dispatch(time.Since(start))
		}
		if r := recover(); r != nil {
			slog.Error("stage handler panicked",
				"stage", s.id, "type", s.stageType, "panic", r)
			if s.cur != nil && !s.cur.replied {
				s.replyCurrent(protocol.NewError(&protocol.Packet{
					MsgId:   s.cur.msgId,
					MsgSeq:  s.cur.msgSeq,
					StageId: s.cur.stageId,
				}, constants.InternalError))
			}
			s.cur = nil
		}
	}()

	it.run()
	s.cur = nil
}

// dispatchClient handles a non-system packet from a joined session.
func (s *stage) dispatchClient(sess *Session, pkt *protocol.Packet) {
	actor := s.actorBySession(sess.Id())
	if actor == nil {
		// Session lost its actor (kicked while the packet was queued).
		if pkt.IsRequest() {
			sess.sendPacket(protocol.NewError(pkt, constants.Unauthenticated))
		}
		return
	}

	if pkt.IsRequest() {
		s.cur = &reqContext{
			sessionId: sess.Id(),
			msgId:     pkt.MsgId,
			msgSeq:    pkt.MsgSeq,
			stageId:   s.id,
		}
	}
	s.user.OnDispatch(actor, pkt)
	s.autoReply(constants.Success)
}

// dispatchEnvelope handles a stage-level packet from the fabric.
func (s *stage) dispatchEnvelope(env *protocol.Envelope) {
	pkt := &env.Packet
	if pkt.IsRequest() {
		s.cur = &reqContext{
			msgId:   pkt.MsgId,
			msgSeq:  pkt.MsgSeq,
			stageId: s.id,
			source:  env,
		}
	}
	s.user.OnDispatch(nil, pkt)
	s.autoReply(constants.Success)
}

// autoReply answers the current request with code when the handler did not
// reply itself. Success auto-replies carry no payload; they just complete
// the round trip.
func (s *stage) autoReply(code uint16) {
	if s.cur == nil || s.cur.replied {
		return
	}
	s.replyCurrent(&protocol.Packet{
		MsgId:     s.cur.msgId,
		MsgSeq:    s.cur.msgSeq,
		StageId:   s.cur.stageId,
		ErrorCode: code,
	})
}

// replyCurrent routes a reply for the active request to wherever it came
// from.
func (s *stage) replyCurrent(pkt *protocol.Packet) {
	cur := s.cur
	if cur == nil {
		slog.Warn("reply outside request context dropped",
			"stage", s.id, "msgId", pkt.MsgId)
		return
	}
	if cur.replied {
		slog.Warn("duplicate reply dropped",
			"stage", s.id, "msgId", cur.msgId, "msgSeq", cur.msgSeq)
		return
	}
	if cur.msgSeq == 0 {
		// Pushes never generate replies.
		return
	}
	cur.replied = true
	pkt.MsgSeq = cur.msgSeq

	if pkt.ErrorCode != constants.Success && s.node.metrics != nil {
		s.node.metrics.ErrorSent(constants.ErrorName(pkt.ErrorCode))
	}

	if cur.source != nil {
		s.node.sendReplyEnvelope(cur.source, pkt)
		return
	}
	if sess := s.node.sessions.Get(cur.sessionId); sess != nil {
		sess.sendPacket(pkt)
	} else {
		slog.Debug("reply dropped, session gone",
			"stage", s.id, "session", cur.sessionId, "msgId", cur.msgId)
	}
}

func (s *stage) actorBySession(sessionId int64) *Actor {
	for _, a := range s.actors {
		if a.sessionId == sessionId && a.connected {
			return a
		}
	}
	return nil
}

// destroy tears the stage down: cancel timers, run OnDestroy, dispose
// actors, fail queued requests, drop the pool entry. Runs inside the loop.
func (s *stage) destroy() {
	if s.closed {
		return
	}
	s.closed = true

	s.node.timers.CancelStage(s.id)
	s.node.requests.FailStage(s.id, constants.StageNotFound)

	if s.created {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("OnDestroy panicked", "stage", s.id, "panic", r)
				}
			}()
			s.user.OnDestroy()
		}()
	}

	for _, a := range s.actors {
		a.dispose()
		if s.node.metrics != nil {
			s.node.metrics.ActorLeft()
		}
		if sess := s.node.sessions.Get(a.sessionId); sess != nil {
			sess.CloseGraceful()
		}
	}
	s.actors = make(map[int64]*Actor)
	s.actorCount.Store(0)

	for _, it := range s.queue.close() {
		if it.fail != nil {
			it.fail(constants.StageNotFound)
		}
	}

	s.node.pool.remove(s.id)
	if s.node.metrics != nil {
		s.node.metrics.StageDestroyed(s.stageType)
	}
	slog.Info("stage destroyed", "stage", s.id, "type", s.stageType)
}

// runCreate is the first queued event of every stage: it gates everything
// behind the user's OnCreate decision.
func (s *stage) runCreate(pkt *protocol.Packet, done func(code uint16)) {
	code := func() (code uint16) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("OnCreate panicked", "stage", s.id, "type", s.stageType, "panic", r)
				code = constants.InternalError
			}
		}()
		return s.user.OnCreate(pkt)
	}()

	if code != constants.Success {
		slog.Warn("stage create rejected", "stage", s.id, "type", s.stageType, "code", code)
		s.destroy()
		done(code)
		return
	}

	s.created = true
	if s.node.metrics != nil {
		s.node.metrics.StageCreated(s.stageType)
	}
	slog.Info("stage created", "stage", s.id, "type", s.stageType)
	done(constants.Success)

	// Separate event so joins queued behind the create still come after it.
	if err := s.post(func() { s.user.OnPostCreate() }, nil); err != nil {
		slog.Warn("post-create dropped", "stage", s.id, "error", err)
	}
}

func (s *stage) String() string {
	return fmt.Sprintf("stage{id=%d type=%s actors=%d}", s.id, s.stageType, len(s.actors))
}
