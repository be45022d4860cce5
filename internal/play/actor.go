package play

import (
	"log/slog"
	"time"
)

// Actor binds an authenticated account to a stage. All fields are owned by
// the stage loop; user code only ever touches an Actor from inside hooks,
// so reads need no synchronization.
type Actor struct {
	accountId int64
	sessionId int64
	stage     *stage
	state     ActorState
	sender    *ActorSender

	connected      bool
	disconnectedAt time.Time
}

func newActor(s *stage, accountId, sessionId int64) *Actor {
	a := &Actor{
		accountId: accountId,
		sessionId: sessionId,
		stage:     s,
		connected: true,
	}
	a.sender = &ActorSender{actor: a}
	if f := s.node.pool.actorFactory(s.stageType); f != nil {
		a.state = f(a.sender)
	}
	if a.state != nil {
		a.state.OnCreate()
	}
	return a
}

func (a *Actor) AccountId() int64 { return a.accountId }

func (a *Actor) SessionId() int64 { return a.sessionId }

// IsConnected reports whether a live session backs this actor. False means
// the actor lingers waiting for a reconnect or an eviction by stage logic.
func (a *Actor) IsConnected() bool { return a.connected }

// DisconnectedAt is the time of the last disconnect, zero while connected.
func (a *Actor) DisconnectedAt() time.Time { return a.disconnectedAt }

// State returns whatever the ActorFactory built, nil when the stage type
// registered none. Callers type-assert to their own state type.
func (a *Actor) State() ActorState { return a.state }

// Sender returns the per-actor facade.
func (a *Actor) Sender() *ActorSender { return a.sender }

// markDisconnected flips the actor into the lingering state. Loop-only.
func (a *Actor) markDisconnected() {
	a.connected = false
	a.disconnectedAt = time.Now()
}

// rebind attaches a new session after a reconnect. Loop-only.
func (a *Actor) rebind(sessionId int64) {
	a.sessionId = sessionId
	a.connected = true
	a.disconnectedAt = time.Time{}
}

// dispose runs the user state teardown, fencing panics.
func (a *Actor) dispose() {
	if a.state == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("actor state OnDestroy panicked",
				"stage", a.stage.id, "account", a.accountId, "panic", r)
		}
	}()
	a.state.OnDestroy()
}
