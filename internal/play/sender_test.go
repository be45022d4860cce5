package play

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

func TestStageSenderIdentity(t *testing.T) {
	type senderInfo struct {
		id     int64
		typ    string
		node   string
		actors int
	}
	info := make(chan senderInfo, 1)
	n := newTestNode(t, &hooks{
		onPostJoin: func(s *StageSender, _ *Actor) {
			info <- senderInfo{s.StageId(), s.StageType(), s.NodeId(), s.ActorCount()}
		},
	})
	_, fc := openTestSession(t, n)

	joinSession(t, fc, 100, "7")

	select {
	case got := <-info:
		assert.Equal(t, senderInfo{id: 100, typ: "room", node: "play-test", actors: 1}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("OnPostJoinStage never ran")
	}
}

func TestReplyIgnoredForPush(t *testing.T) {
	n := newTestNode(t, &hooks{
		onDispatch: func(s *StageSender, _ *Actor, pkt *protocol.Packet) {
			if pkt.MsgId == "poke" {
				s.Reply(1234)
				s.ReplyPacket(&protocol.Packet{MsgId: "poke", Payload: []byte("no")})
			}
		},
	})
	_, fc := openTestSession(t, n)

	joinSession(t, fc, 100, "7")
	fc.in <- &protocol.Packet{MsgId: "poke", MsgSeq: 0, StageId: 100}
	fc.in <- &protocol.Packet{MsgId: "marker", MsgSeq: 3, StageId: 100}

	// Session order is FIFO: if the push had produced any reply it would
	// arrive before the marker's.
	reply := fc.next(t)
	assert.Equal(t, "marker", reply.MsgId)
	assert.Equal(t, uint16(3), reply.MsgSeq)
	assert.Equal(t, constants.Success, reply.ErrorCode)
}

func TestDuplicateReplyDropped(t *testing.T) {
	n := newTestNode(t, &hooks{
		onDispatch: func(s *StageSender, _ *Actor, pkt *protocol.Packet) {
			if pkt.MsgId == "twice" {
				s.Reply(constants.Success)
				s.Reply(1234)
			}
		},
	})
	_, fc := openTestSession(t, n)

	joinSession(t, fc, 100, "7")
	fc.in <- &protocol.Packet{MsgId: "twice", MsgSeq: 3, StageId: 100}

	reply := fc.next(t)
	assert.Equal(t, uint16(3), reply.MsgSeq)
	assert.Equal(t, constants.Success, reply.ErrorCode)

	fc.in <- &protocol.Packet{MsgId: "after", MsgSeq: 4, StageId: 100}
	reply = fc.next(t)
	assert.Equal(t, "after", reply.MsgId, "second reply for seq 3 must have been dropped")
	assert.Equal(t, uint16(4), reply.MsgSeq)
}

func TestSendToActorConnectivity(t *testing.T) {
	results := make(chan [3]bool, 1)
	disconnected := make(chan struct{})
	n := newTestNode(t, &hooks{
		onConnChanged: func(_ *StageSender, _ *Actor, connected bool) {
			if !connected {
				close(disconnected)
			}
		},
		onDispatch: func(s *StageSender, _ *Actor, pkt *protocol.Packet) {
			if pkt.MsgId == "probe" {
				push := &protocol.Packet{MsgId: "note", Payload: []byte("hi")}
				results <- [3]bool{
					s.SendToActor(7, push),
					s.SendToActor(8, push),
					s.SendToActor(99, push),
				}
			}
		},
	})
	_, fcA := openTestSession(t, n)
	joinSession(t, fcA, 100, "7")
	sessB, fcB := openTestSession(t, n)
	joinSession(t, fcB, 100, "8")

	// Drop B so its actor lingers disconnected.
	sessB.Close()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never reached the stage")
	}

	fcA.in <- &protocol.Packet{MsgId: "probe", MsgSeq: 3, StageId: 100}
	select {
	case got := <-results:
		assert.Equal(t, [3]bool{true, false, false}, got,
			"connected actor reachable, lingering and unknown not")
	case <-time.After(2 * time.Second):
		t.Fatal("probe never dispatched")
	}

	push := fcA.next(t)
	assert.Equal(t, "note", push.MsgId)
	assert.Zero(t, push.MsgSeq)
	assert.Equal(t, int64(100), push.StageId)

	reply := fcA.next(t)
	assert.Equal(t, "probe", reply.MsgId)
	assert.Equal(t, uint16(3), reply.MsgSeq)
}

func TestBroadcastFilter(t *testing.T) {
	counts := make(chan [2]int, 1)
	n := newTestNode(t, &hooks{
		onDispatch: func(s *StageSender, _ *Actor, pkt *protocol.Packet) {
			if pkt.MsgId == "blast" {
				all := s.Broadcast(&protocol.Packet{MsgId: "tick"}, nil)
				some := s.Broadcast(&protocol.Packet{MsgId: "tock"}, func(a *Actor) bool {
					return a.AccountId() != 2
				})
				counts <- [2]int{all, some}
			}
		},
	})
	_, fc1 := openTestSession(t, n)
	joinSession(t, fc1, 100, "1")
	_, fc2 := openTestSession(t, n)
	joinSession(t, fc2, 100, "2")
	_, fc3 := openTestSession(t, n)
	joinSession(t, fc3, 100, "3")

	fc1.in <- &protocol.Packet{MsgId: "blast", MsgSeq: 3, StageId: 100}

	select {
	case got := <-counts:
		assert.Equal(t, [2]int{3, 2}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("blast never dispatched")
	}

	assert.Equal(t, "tick", fc1.next(t).MsgId)
	assert.Equal(t, "tock", fc1.next(t).MsgId)
	assert.Equal(t, uint16(3), fc1.next(t).MsgSeq)

	assert.Equal(t, "tick", fc2.next(t).MsgId)

	assert.Equal(t, "tick", fc3.next(t).MsgId)
	assert.Equal(t, "tock", fc3.next(t).MsgId)
}

func TestRequestToApiWithoutService(t *testing.T) {
	n := newTestNode(t, &hooks{
		onDispatch: func(s *StageSender, _ *Actor, pkt *protocol.Packet) {
			if pkt.MsgId == "call" {
				rep := <-s.RequestToApi(9, &protocol.Packet{MsgId: "svc.op"})
				s.Reply(rep.ErrorCode)
			}
		},
	})
	_, fc := openTestSession(t, n)

	joinSession(t, fc, 100, "7")
	fc.in <- &protocol.Packet{MsgId: "call", MsgSeq: 3, StageId: 100}

	reply := fc.next(t)
	require.Equal(t, uint16(3), reply.MsgSeq)
	assert.Equal(t, constants.ServiceUnavailable, reply.ErrorCode)
}

func TestRequestToStageUnknownNode(t *testing.T) {
	n := newTestNode(t, &hooks{
		onDispatch: func(s *StageSender, _ *Actor, pkt *protocol.Packet) {
			if pkt.MsgId == "call" {
				rep := <-s.RequestToStage("ghost", 55, &protocol.Packet{MsgId: "remote.op"})
				s.Reply(rep.ErrorCode)
			}
		},
	})
	_, fc := openTestSession(t, n)

	joinSession(t, fc, 100, "7")
	fc.in <- &protocol.Packet{MsgId: "call", MsgSeq: 3, StageId: 100}

	reply := fc.next(t)
	require.Equal(t, uint16(3), reply.MsgSeq)
	assert.Equal(t, constants.NodeUnreachable, reply.ErrorCode)
}

func TestCloseStageFromDispatch(t *testing.T) {
	destroyed := make(chan struct{})
	n := newTestNode(t, &hooks{
		onDestroy: func(*StageSender) { close(destroyed) },
		onDispatch: func(s *StageSender, _ *Actor, pkt *protocol.Packet) {
			if pkt.MsgId == "bye" {
				s.CloseStage()
			}
		},
	})
	_, fc := openTestSession(t, n)

	joinSession(t, fc, 100, "7")
	fc.in <- &protocol.Packet{MsgId: "bye", MsgSeq: 3, StageId: 100}

	reply := fc.next(t)
	assert.Equal(t, uint16(3), reply.MsgSeq)
	assert.Equal(t, constants.Success, reply.ErrorCode, "reply goes out before the stage dies")

	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDestroy never ran")
	}
	require.Eventually(t, func() bool { return n.pool.get(100) == nil },
		2*time.Second, 10*time.Millisecond)

	fc.in <- &protocol.Packet{MsgId: "after", MsgSeq: 4, StageId: 100}
	reply = fc.next(t)
	assert.Equal(t, uint16(4), reply.MsgSeq)
	assert.Equal(t, constants.StageNotFound, reply.ErrorCode)
}
