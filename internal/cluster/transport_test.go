package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhouse/playhouse-go/internal/config"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

func testClusterConfig(nodes []config.NodeEntry) config.ClusterConfig {
	cfg := config.DefaultCluster()
	cfg.Nodes = nodes
	cfg.ReconnectMin = 20 * time.Millisecond
	cfg.ReconnectMax = 100 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.SendQueueSize = 64
	return cfg
}

// startNode spins up a Transport on an ephemeral port. The listener is
// created first so peers can carry its real address in their static table.
func startNode(t *testing.T, ctx context.Context, ln net.Listener, cfg config.ClusterConfig, opts Options) (*Transport, chan *protocol.Envelope) {
	t.Helper()

	inbox := make(chan *protocol.Envelope, 64)
	opts.Handler = func(env *protocol.Envelope) { inbox <- env }
	tr := New(cfg, opts)

	go func() {
		if err := tr.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			t.Errorf("serve %s: %v", opts.NodeId, err)
		}
	}()
	t.Cleanup(func() { tr.Close() })
	return tr, inbox
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestTwoNodeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lnA, lnB := listen(t), listen(t)
	nodes := []config.NodeEntry{
		{NodeId: "play-a", ServiceId: 2, Address: lnA.Addr().String()},
		{NodeId: "play-b", ServiceId: 2, Address: lnB.Addr().String()},
	}

	trA, inboxA := startNode(t, ctx, lnA, testClusterConfig(nodes), Options{NodeId: "play-a", ServiceId: 2})
	trB, inboxB := startNode(t, ctx, lnB, testClusterConfig(nodes), Options{NodeId: "play-b", ServiceId: 2})

	require.Eventually(t, func() bool {
		return trA.Table().IsUp("play-b") && trB.Table().IsUp("play-a")
	}, 5*time.Second, 10*time.Millisecond, "peers never connected")

	err := trA.Send(&protocol.Envelope{
		TargetNodeId:  "play-b",
		TargetStageId: 42,
		AccountId:     7,
		Packet:        protocol.Packet{MsgId: "match.ask", MsgSeq: 1, Payload: []byte("ping")},
	})
	require.NoError(t, err)

	var got *protocol.Envelope
	select {
	case got = <-inboxB:
	case <-time.After(5 * time.Second):
		t.Fatal("envelope never arrived at play-b")
	}
	assert.Equal(t, "play-a", got.SourceNodeId)
	assert.Equal(t, int64(42), got.TargetStageId)
	assert.Equal(t, []byte("ping"), got.Packet.Payload)

	// Reply travels over B's own outbound connection.
	err = trB.Send(&protocol.Envelope{
		TargetNodeId: got.SourceNodeId,
		Flags:        1,
		Packet:       protocol.Packet{MsgId: "match.ask", MsgSeq: 1, Payload: []byte("pong")},
	})
	require.NoError(t, err)

	select {
	case reply := <-inboxA:
		assert.True(t, reply.IsReply())
		assert.Equal(t, []byte("pong"), reply.Packet.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("reply never arrived at play-a")
	}
}

func TestSendUnknownNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln := listen(t)
	nodes := []config.NodeEntry{{NodeId: "solo", ServiceId: 2, Address: ln.Addr().String()}}
	tr, _ := startNode(t, ctx, ln, testClusterConfig(nodes), Options{NodeId: "solo", ServiceId: 2})

	err := tr.Send(&protocol.Envelope{TargetNodeId: "ghost", Packet: protocol.Packet{MsgId: "x"}})
	assert.ErrorIs(t, err, ErrPeerDown)
}

func TestSendLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln := listen(t)
	nodes := []config.NodeEntry{{NodeId: "solo", ServiceId: 2, Address: ln.Addr().String()}}
	tr, inbox := startNode(t, ctx, ln, testClusterConfig(nodes), Options{NodeId: "solo", ServiceId: 2})

	require.NoError(t, tr.Send(&protocol.Envelope{
		TargetNodeId: "solo",
		Packet:       protocol.Packet{MsgId: "self.note", Payload: []byte("local")},
	}))

	select {
	case env := <-inbox:
		assert.Equal(t, "self.note", env.Packet.MsgId)
	case <-time.After(time.Second):
		t.Fatal("loopback envelope never delivered")
	}
}

func TestSendToServicePicksReachableNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lnPlay, lnApi := listen(t), listen(t)
	nodes := []config.NodeEntry{
		{NodeId: "play-1", ServiceId: 2, Address: lnPlay.Addr().String()},
		{NodeId: "api-1", ServiceId: 1, Address: lnApi.Addr().String()},
	}

	trPlay, _ := startNode(t, ctx, lnPlay, testClusterConfig(nodes), Options{NodeId: "play-1", ServiceId: 2})
	_, inboxApi := startNode(t, ctx, lnApi, testClusterConfig(nodes), Options{NodeId: "api-1", ServiceId: 1})

	require.Eventually(t, func() bool {
		return trPlay.Table().IsUp("api-1")
	}, 5*time.Second, 10*time.Millisecond)

	nodeId, err := trPlay.SendToService(&protocol.Envelope{
		Packet: protocol.Packet{MsgId: "shop.buy", MsgSeq: 2},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "api-1", nodeId)

	select {
	case env := <-inboxApi:
		assert.Equal(t, "shop.buy", env.Packet.MsgId)
	case <-time.After(5 * time.Second):
		t.Fatal("service-routed envelope never arrived")
	}

	_, err = trPlay.SendToService(&protocol.Envelope{Packet: protocol.Packet{MsgId: "x"}}, 9)
	assert.ErrorIs(t, err, ErrNoService)
}

func TestPeerDownNotification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lnA, lnB := listen(t), listen(t)
	nodes := []config.NodeEntry{
		{NodeId: "a", ServiceId: 2, Address: lnA.Addr().String()},
		{NodeId: "b", ServiceId: 2, Address: lnB.Addr().String()},
	}

	downCh := make(chan string, 8)
	trA, _ := startNode(t, ctx, lnA, testClusterConfig(nodes), Options{
		NodeId: "a", ServiceId: 2,
		OnPeerDown: func(nodeId string) { downCh <- nodeId },
	})

	ctxB, cancelB := context.WithCancel(ctx)
	trB, _ := startNode(t, ctxB, lnB, testClusterConfig(nodes), Options{NodeId: "b", ServiceId: 2})

	require.Eventually(t, func() bool {
		return trA.Table().IsUp("b") && trB.Table().IsUp("a")
	}, 5*time.Second, 10*time.Millisecond)

	// Kill B entirely; A's outbound write side notices and reports.
	cancelB()
	trB.Close()

	select {
	case nodeId := <-downCh:
		assert.Equal(t, "b", nodeId)
	case <-time.After(5 * time.Second):
		t.Fatal("peer down never reported")
	}
	assert.Eventually(t, func() bool { return !trA.Table().IsUp("b") },
		5*time.Second, 10*time.Millisecond)
}

func TestPeerReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lnA, lnB := listen(t), listen(t)
	addrB := lnB.Addr().String()
	nodes := []config.NodeEntry{
		{NodeId: "a", ServiceId: 2, Address: lnA.Addr().String()},
		{NodeId: "b", ServiceId: 2, Address: addrB},
	}

	trA, _ := startNode(t, ctx, lnA, testClusterConfig(nodes), Options{NodeId: "a", ServiceId: 2})
	ctxB, cancelB := context.WithCancel(ctx)
	trB, _ := startNode(t, ctxB, lnB, testClusterConfig(nodes), Options{NodeId: "b", ServiceId: 2})

	require.Eventually(t, func() bool {
		return trA.Table().IsUp("b") && trB.Table().IsUp("a")
	}, 5*time.Second, 10*time.Millisecond)

	cancelB()
	trB.Close()
	require.Eventually(t, func() bool { return !trA.Table().IsUp("b") },
		5*time.Second, 10*time.Millisecond)

	// A new process takes over the same address; A's redial loop finds it.
	lnB2, err := net.Listen("tcp", addrB)
	require.NoError(t, err)
	trB2, inboxB2 := startNode(t, ctx, lnB2, testClusterConfig(nodes), Options{NodeId: "b", ServiceId: 2})

	require.Eventually(t, func() bool {
		return trA.Table().IsUp("b") && trB2.Table().IsUp("a")
	}, 5*time.Second, 10*time.Millisecond, "peers never reconnected")

	require.NoError(t, trA.Send(&protocol.Envelope{
		TargetNodeId: "b",
		Packet:       protocol.Packet{MsgId: "hello.again", MsgSeq: 1},
	}))
	select {
	case env := <-inboxB2:
		assert.Equal(t, "hello.again", env.Packet.MsgId)
		assert.Equal(t, "a", env.SourceNodeId)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope never arrived after reconnect")
	}
}
