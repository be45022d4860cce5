// Package cluster implements the node-to-node fabric. Every node keeps one
// outbound connection per peer in its static table and one listener for the
// peers' outbound connections. Envelopes always travel over the sender's
// outbound side, so replies to a request arrive through the listener.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/playhouse/playhouse-go/internal/config"
	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/metrics"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// ErrNoService is returned when no reachable node runs the requested service.
var ErrNoService = errors.New("no reachable node for service")

// Handler consumes every inbound envelope. It runs on the connection's read
// goroutine and must hand work off quickly.
type Handler func(env *protocol.Envelope)

// Transport is a node's view of the cluster.
type Transport struct {
	cfg       config.ClusterConfig
	nodeId    string
	serviceId uint16

	handler Handler
	table   *Table
	metrics *metrics.Metrics

	compressThreshold int
	maxPacketSize     int

	mu       sync.Mutex
	peers    map[string]*peer
	listener net.Listener

	// onPeerDown lets the owner fail pending requests to a lost peer.
	onPeerDown func(nodeId string)
}

// Options carries the identity and wire settings a Transport needs beyond
// its ClusterConfig.
type Options struct {
	NodeId            string
	ServiceId         uint16
	CompressThreshold int
	MaxPacketSize     int
	Handler           Handler
	OnPeerDown        func(nodeId string)
	Metrics           *metrics.Metrics
}

// New creates a Transport. Run must be called before envelopes flow.
func New(cfg config.ClusterConfig, opts Options) *Transport {
	maxPacket := opts.MaxPacketSize
	if maxPacket <= 0 {
		maxPacket = constants.DefaultMaxPacketSize
	}
	onDown := opts.OnPeerDown
	if onDown == nil {
		onDown = func(string) {}
	}
	return &Transport{
		cfg:               cfg,
		nodeId:            opts.NodeId,
		serviceId:         opts.ServiceId,
		handler:           opts.Handler,
		table:             NewTable(cfg.Nodes, opts.NodeId),
		metrics:           opts.Metrics,
		compressThreshold: opts.CompressThreshold,
		maxPacketSize:     maxPacket,
		peers:             make(map[string]*peer),
		onPeerDown:        onDown,
	}
}

// Table exposes cluster membership for selection and the admin endpoint.
func (t *Transport) Table() *Table {
	return t.table
}

// NodeId returns this node's identity.
func (t *Transport) NodeId() string {
	return t.nodeId
}

// Addr returns the listener address, or nil before Run.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Run starts the listener and one dialer per peer, then blocks until ctx
// ends.
func (t *Transport) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.BindAddress, t.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return t.Serve(ctx, ln)
}

// Serve accepts peer connections from the given listener and starts the
// dialers. Used directly by tests that bring their own listener.
func (t *Transport) Serve(ctx context.Context, ln net.Listener) error {
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	hello, err := helloFrame(t.nodeId, t.serviceId, t.maxPacketSize)
	if err != nil {
		return fmt.Errorf("building hello frame: %w", err)
	}

	for _, entry := range t.table.Entries() {
		p := newPeer(entry, t.cfg, hello, t.peerUp, t.peerDown)
		t.mu.Lock()
		t.peers[entry.NodeId] = p
		t.mu.Unlock()
		go p.run(ctx)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("cluster transport started",
		"node", t.nodeId, "service", t.serviceId,
		"address", ln.Addr(), "peers", len(t.table.Entries()))

	var wg sync.WaitGroup
	t.acceptLoop(ctx, &wg, ln)
	wg.Wait()
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context, wg *sync.WaitGroup, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Error("failed to accept peer connection", "error", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.handleInbound(ctx, conn)
			}()
		}
	}
}

// handleInbound reads envelopes from one peer's outbound connection. The
// first envelope must be the hello announce; everything after goes to the
// handler.
func (t *Transport) handleInbound(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	dec := protocol.NewEnvelopeDecoder(t.maxPacketSize)
	buf := make([]byte, 64*1024)

	// The hello must arrive promptly or the connection is garbage.
	if err := conn.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout)); err != nil {
		slog.Error("peer set read deadline failed", "remote", remote, "error", err)
		return
	}

	peerId := ""
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if peerId == "" {
				slog.Warn("peer connection closed before hello", "remote", remote)
			} else {
				slog.Info("peer inbound closed", "peer", peerId, "remote", remote)
			}
			return
		}
		dec.Feed(buf[:n])

		for {
			env, err := dec.Next()
			if err != nil {
				slog.Error("malformed peer frame, dropping connection",
					"peer", peerId, "remote", remote, "error", err)
				if t.metrics != nil {
					t.metrics.Malformed()
				}
				return
			}
			if env == nil {
				break
			}

			if peerId == "" {
				if env.Packet.MsgId != constants.MsgHello {
					slog.Warn("peer sent data before hello, dropping connection", "remote", remote)
					return
				}
				peerId = env.SourceNodeId
				if err := conn.SetReadDeadline(time.Time{}); err != nil {
					slog.Error("peer clear read deadline failed", "remote", remote, "error", err)
					return
				}
				slog.Debug("peer announced", "peer", peerId, "remote", remote)
				continue
			}

			if t.metrics != nil {
				t.metrics.EnvelopeIn()
			}
			t.handler(env)
		}
	}
}

// Send routes env to env.TargetNodeId over our outbound connection.
func (t *Transport) Send(env *protocol.Envelope) error {
	env.SourceNodeId = t.nodeId
	if env.TargetNodeId == t.nodeId {
		// Local loopback keeps single-node setups and self-addressed
		// stage requests off the network entirely.
		if t.metrics != nil {
			t.metrics.EnvelopeIn()
		}
		t.handler(env)
		return nil
	}

	t.mu.Lock()
	p := t.peers[env.TargetNodeId]
	t.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: unknown node %q", ErrPeerDown, env.TargetNodeId)
	}

	frame, err := protocol.EncodeEnvelope(env, t.compressThreshold, t.maxPacketSize)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := p.send(frame); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.EnvelopeOut()
	}
	return nil
}

// SendToService picks a reachable node of serviceId and routes env to it.
// Returns the chosen nodeId so the caller can tie replies to the peer.
func (t *Transport) SendToService(env *protocol.Envelope, serviceId uint16) (string, error) {
	nodeId := t.table.PickForService(serviceId)
	if nodeId == "" {
		if serviceId == t.serviceId {
			// Single-node clusters still route to themselves.
			env.TargetNodeId = t.nodeId
			return t.nodeId, t.Send(env)
		}
		return "", fmt.Errorf("%w: service %d", ErrNoService, serviceId)
	}
	env.TargetNodeId = nodeId
	return nodeId, t.Send(env)
}

// Close tears down the listener and every peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.close()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *Transport) peerUp(nodeId string) {
	t.table.SetUp(nodeId, true)
	if t.metrics != nil {
		t.metrics.PeerUp()
	}
}

func (t *Transport) peerDown(nodeId string) {
	t.table.SetUp(nodeId, false)
	if t.metrics != nil {
		t.metrics.PeerDown()
	}
	t.onPeerDown(nodeId)
}
