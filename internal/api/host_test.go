package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhouse/playhouse-go/internal/config"
	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

func newTestApiNode(t *testing.T, mutate func(*config.ApiServer)) *Node {
	t.Helper()
	cfg := config.DefaultApiServer()
	cfg.NodeId = "api-test"
	cfg.Workers = 4
	cfg.Admin.Enabled = false
	cfg.Cluster.Nodes = nil
	cfg.Cluster.RequestTimeout = 500 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	n := NewNode(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.host.run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		n.requests.Close()
	})
	return n
}

// sendRequest registers a pending request in the node's own cache and feeds
// the matching envelope in, so the handler's reply loops straight back.
func sendRequest(t *testing.T, n *Node, msgId string, payload []byte) <-chan *protocol.Packet {
	t.Helper()
	ch := make(chan *protocol.Packet, 1)
	seq, err := n.requests.Register(msgId, 0, n.NodeId(), func(reply *protocol.Packet) { ch <- reply })
	require.NoError(t, err)
	n.handleEnvelope(&protocol.Envelope{
		SourceNodeId: n.NodeId(),
		TargetNodeId: n.NodeId(),
		Packet:       protocol.Packet{MsgId: msgId, MsgSeq: seq, Payload: payload},
	})
	return ch
}

func awaitReply(t *testing.T, ch <-chan *protocol.Packet) *protocol.Packet {
	t.Helper()
	select {
	case reply := <-ch:
		return reply
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func TestRegisterValidation(t *testing.T) {
	n := NewNode(config.DefaultApiServer())
	noop := func(*Sender, *protocol.Packet) {}

	require.NoError(t, n.Register("profile.get", noop))
	assert.Error(t, n.Register("profile.get", noop), "duplicate must be rejected")
	assert.Error(t, n.Register("", noop))
	assert.Error(t, n.Register("@connect", noop), "system prefix is reserved")
	assert.Error(t, n.Register("things", nil))
}

func TestHandlerReplyRoundTrip(t *testing.T) {
	n := newTestApiNode(t, nil)
	require.NoError(t, n.Register("upper", func(s *Sender, pkt *protocol.Packet) {
		s.Reply(&protocol.Packet{MsgId: pkt.MsgId, Payload: append([]byte("re:"), pkt.Payload...)})
	}))

	reply := awaitReply(t, sendRequest(t, n, "upper", []byte("hi")))
	assert.Equal(t, constants.Success, reply.ErrorCode)
	assert.Equal(t, []byte("re:hi"), reply.Payload)
}

func TestHandlerAutoRepliesSuccess(t *testing.T) {
	n := newTestApiNode(t, nil)
	ran := make(chan struct{}, 1)
	require.NoError(t, n.Register("fire", func(*Sender, *protocol.Packet) {
		ran <- struct{}{}
	}))

	reply := awaitReply(t, sendRequest(t, n, "fire", nil))
	assert.Equal(t, constants.Success, reply.ErrorCode)
	assert.Empty(t, reply.Payload)
	<-ran
}

func TestUnknownMessageRepliesBadRequest(t *testing.T) {
	n := newTestApiNode(t, nil)

	reply := awaitReply(t, sendRequest(t, n, "no.such.handler", nil))
	assert.Equal(t, constants.BadRequest, reply.ErrorCode)
}

func TestHandlerPanicRepliesInternalError(t *testing.T) {
	n := newTestApiNode(t, nil)
	require.NoError(t, n.Register("boom", func(*Sender, *protocol.Packet) {
		panic("controller bug")
	}))

	reply := awaitReply(t, sendRequest(t, n, "boom", nil))
	assert.Equal(t, constants.InternalError, reply.ErrorCode)

	// The worker survives the panic.
	require.NoError(t, n.Register("ok", func(*Sender, *protocol.Packet) {}))
	reply = awaitReply(t, sendRequest(t, n, "ok", nil))
	assert.Equal(t, constants.Success, reply.ErrorCode)
}

func TestHandleTimeoutAnswersFirst(t *testing.T) {
	release := make(chan struct{})
	n := newTestApiNode(t, func(cfg *config.ApiServer) {
		cfg.HandleTimeout = 50 * time.Millisecond
	})
	require.NoError(t, n.Register("slow", func(s *Sender, _ *protocol.Packet) {
		<-release
		s.ReplyCode(constants.Success) // too late, dropped as duplicate
	}))

	reply := awaitReply(t, sendRequest(t, n, "slow", nil))
	assert.Equal(t, constants.Timeout, reply.ErrorCode)
	close(release)
}

func TestPushRunsWithoutReply(t *testing.T) {
	n := newTestApiNode(t, nil)
	ran := make(chan struct{}, 1)
	require.NoError(t, n.Register("notice", func(s *Sender, _ *protocol.Packet) {
		s.ReplyCode(constants.Success) // pushes never reply
		ran <- struct{}{}
	}))

	n.handleEnvelope(&protocol.Envelope{
		SourceNodeId: n.NodeId(),
		TargetNodeId: n.NodeId(),
		Packet:       protocol.Packet{MsgId: "notice"},
	})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("push handler never ran")
	}
	assert.Equal(t, 0, n.requests.Pending())
}

func TestWorkerQueueOverflowRepliesOverloaded(t *testing.T) {
	release := make(chan struct{})
	n := newTestApiNode(t, func(cfg *config.ApiServer) {
		cfg.Workers = 1
	})
	require.NoError(t, n.Register("stall", func(*Sender, *protocol.Packet) {
		<-release
	}))
	defer close(release)

	// One in the worker plus a full queue.
	queueCap := cap(n.host.tasks)
	var waiters []<-chan *protocol.Packet
	waiters = append(waiters, sendRequest(t, n, "stall", nil))
	// Give the worker time to pick the first task up so the queue count
	// below is deterministic.
	require.Eventually(t, func() bool { return len(n.host.tasks) == 0 }, time.Second, time.Millisecond)
	for qi := 0; qi < queueCap; qi++ {
		waiters = append(waiters, sendRequest(t, n, "stall", nil))
	}

	reply := awaitReply(t, sendRequest(t, n, "stall", nil))
	assert.Equal(t, constants.Overloaded, reply.ErrorCode)
	_ = waiters
}

func TestSenderRequestToUnknownNodeFails(t *testing.T) {
	n := newTestApiNode(t, nil)
	got := make(chan *protocol.Packet, 1)
	require.NoError(t, n.Register("relay", func(s *Sender, pkt *protocol.Packet) {
		got <- <-s.RequestToStage("play-missing", 42, protocol.New("question", nil))
	}))

	reply := awaitReply(t, sendRequest(t, n, "relay", nil))
	assert.Equal(t, constants.Success, reply.ErrorCode)

	select {
	case inner := <-got:
		assert.Equal(t, constants.NodeUnreachable, inner.ErrorCode)
	case <-time.After(2 * time.Second):
		t.Fatal("inner request never resolved")
	}
}
