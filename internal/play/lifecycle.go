package play

import (
	"log/slog"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// runAuthenticate handles a session's auth request inside the stage loop.
// On success the session is admitted as an actor; any rejection replies
// with the code and closes the session.
func (s *stage) runAuthenticate(sess *Session, pkt *protocol.Packet) {
	s.cur = &reqContext{
		sessionId: sess.Id(),
		msgId:     pkt.MsgId,
		msgSeq:    pkt.MsgSeq,
		stageId:   s.id,
	}

	accountId, code := s.user.OnAuthenticate(pkt)
	if code != constants.Success {
		s.autoReply(code)
		sess.CloseGraceful()
		return
	}
	if accountId == 0 {
		slog.Error("OnAuthenticate returned success without an account",
			"stage", s.id, "type", s.stageType, "session", sess.Id())
		s.autoReply(constants.InternalError)
		sess.CloseGraceful()
		return
	}
	s.admit(sess, accountId, pkt)
}

// admit binds an authenticated session to an actor: resume when a
// lingering actor holds the account, kick-then-join when a live one does,
// plain join otherwise.
func (s *stage) admit(sess *Session, accountId int64, pkt *protocol.Packet) {
	if prev, ok := s.actors[accountId]; ok {
		if !prev.connected {
			prev.rebind(sess.Id())
			sess.bindActor(accountId)
			s.user.OnActorConnectionChanged(prev, true)
			s.autoReply(constants.Success)
			slog.Info("actor resumed", "stage", s.id, "account", accountId, "session", sess.Id())
			return
		}
		s.kickActor(prev)
	}

	actor := newActor(s, accountId, sess.Id())
	code := s.user.OnJoinStage(actor, pkt)
	if code != constants.Success {
		actor.dispose()
		s.autoReply(code)
		sess.CloseGraceful()
		slog.Info("join rejected", "stage", s.id, "account", accountId, "code", code)
		return
	}

	s.actors[accountId] = actor
	s.actorCount.Store(int32(len(s.actors)))
	if s.node.metrics != nil {
		s.node.metrics.ActorJoined()
	}
	sess.bindActor(accountId)
	s.autoReply(constants.Success)
	slog.Info("actor joined", "stage", s.id, "account", accountId, "session", sess.Id())

	if err := s.post(func() {
		if _, still := s.actors[accountId]; still {
			s.user.OnPostJoinStage(actor)
		}
	}, nil); err != nil {
		slog.Warn("post-join dropped", "stage", s.id, "account", accountId, "error", err)
	}
}

// kickActor evicts a live actor because the same account logged in again.
// The old client learns why through a @session.close push.
func (s *stage) kickActor(prev *Actor) {
	slog.Info("duplicate login, kicking previous session",
		"stage", s.id, "account", prev.accountId, "oldSession", prev.sessionId)

	old := s.node.sessions.Get(prev.sessionId)
	prev.markDisconnected()
	s.user.OnActorConnectionChanged(prev, false)
	prev.dispose()
	delete(s.actors, prev.accountId)
	s.actorCount.Store(int32(len(s.actors)))
	if s.node.metrics != nil {
		s.node.metrics.ActorLeft()
	}
	if old != nil {
		old.closeWithReason(constants.DuplicateLogin)
	}
}

// runDisconnect marks the actor behind a dropped session as lingering.
// Nothing happens when the session was never admitted or the account
// already rebound elsewhere.
func (s *stage) runDisconnect(sessionId int64) {
	a := s.actorBySession(sessionId)
	if a == nil {
		return
	}
	a.markDisconnected()
	s.user.OnActorConnectionChanged(a, false)
	slog.Info("actor disconnected, waiting for reconnect",
		"stage", s.id, "account", a.accountId, "session", sessionId)
}

// leaveActor removes an actor on purpose. Fenced so the removal always
// completes even when the user hook panics.
func (s *stage) leaveActor(a *Actor, reason string) {
	if _, ok := s.actors[a.accountId]; !ok {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("OnLeaveStage panicked",
					"stage", s.id, "account", a.accountId, "panic", r)
			}
		}()
		s.user.OnLeaveStage(a, reason)
	}()

	a.dispose()
	delete(s.actors, a.accountId)
	s.actorCount.Store(int32(len(s.actors)))
	if s.node.metrics != nil {
		s.node.metrics.ActorLeft()
	}
	slog.Info("actor left", "stage", s.id, "account", a.accountId, "reason", reason)

	if a.connected {
		if sess := s.node.sessions.Get(a.sessionId); sess != nil {
			sess.CloseGraceful()
		}
	}
}
