package api

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/playhouse/playhouse-go/internal/admin"
	"github.com/playhouse/playhouse-go/internal/cluster"
	"github.com/playhouse/playhouse-go/internal/config"
	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/metrics"
	"github.com/playhouse/playhouse-go/internal/protocol"
	"github.com/playhouse/playhouse-go/internal/reqcache"
)

// Node assembles an api node: handler host, request cache, and the fabric
// transport. Register handlers before Run.
type Node struct {
	cfg      config.ApiServer
	metrics  *metrics.Metrics
	host     *host
	requests *reqcache.Cache
	cluster  *cluster.Transport
	admin    *admin.Server
}

// NewNode wires an api node from config. Nothing listens until Run.
func NewNode(cfg config.ApiServer) *Node {
	if cfg.NodeId == "" {
		cfg.NodeId = config.GenerateNodeId("api")
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = constants.DefaultMaxPacketSize
	}
	if cfg.Cluster.RequestTimeout <= 0 {
		cfg.Cluster.RequestTimeout = 10 * time.Second
	}

	n := &Node{cfg: cfg}
	n.metrics = metrics.New(cfg.NodeId)
	n.host = newHost(n, cfg.Workers)
	n.requests = reqcache.New(cfg.Cluster.RequestTimeout)
	n.cluster = cluster.New(cfg.Cluster, cluster.Options{
		NodeId:            cfg.NodeId,
		ServiceId:         cfg.ServiceId,
		CompressThreshold: cfg.CompressThreshold,
		MaxPacketSize:     cfg.MaxPacketSize,
		Handler:           n.handleEnvelope,
		OnPeerDown:        n.onPeerDown,
		Metrics:           n.metrics,
	})
	n.admin = admin.New(cfg.Admin, admin.Options{
		NodeId:  cfg.NodeId,
		Metrics: n.metrics.Handler(),
		Sections: map[string]admin.Section{
			"handlers": func() any { return n.host.registered() },
			"cluster":  func() any { return n.cluster.Table().Snapshot() },
		},
	})
	return n
}

// Register binds a handler to a msgId. Must happen before Run; duplicate
// or @-prefixed registration is an error.
func (n *Node) Register(msgId string, h Handler) error {
	return n.host.register(msgId, h)
}

// NodeId returns the node's cluster identity.
func (n *Node) NodeId() string { return n.cfg.NodeId }

// Metrics exposes the node's registry, mainly for tests and the admin
// endpoint.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Run starts the fabric transport and the worker pool and blocks until ctx
// is cancelled or a listener fails.
func (n *Node) Run(ctx context.Context) error {
	slog.Info("api node starting",
		"node", n.cfg.NodeId, "serviceId", n.cfg.ServiceId,
		"workers", n.host.workers, "clusterPort", n.cfg.Cluster.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.cluster.Run(ctx) })
	g.Go(func() error { return n.admin.Run(ctx) })
	g.Go(func() error { n.host.run(ctx); return nil })
	g.Go(func() error { n.statsLoop(ctx); return nil })

	err := g.Wait()
	n.shutdown()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (n *Node) shutdown() {
	n.requests.Close()
	if err := n.cluster.Close(); err != nil {
		slog.Debug("closing cluster transport", "error", err)
	}
	slog.Info("api node stopped", "node", n.cfg.NodeId)
}

func (n *Node) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.metrics.PendingRequests(n.requests.Pending())
		case <-ctx.Done():
			return
		}
	}
}

// handleEnvelope is the inbound side: replies settle pending requests,
// everything else goes to the worker pool.
func (n *Node) handleEnvelope(env *protocol.Envelope) {
	if env.IsReply() {
		if !n.requests.Complete(env.Packet.MsgSeq, &env.Packet) {
			slog.Debug("late reply dropped",
				"from", env.SourceNodeId, "msgId", env.Packet.MsgId, "msgSeq", env.Packet.MsgSeq)
		}
		return
	}
	n.host.submit(env)
}

// replyEnvelopeError answers a fabric request with just a code. No-op for
// pushes.
func (n *Node) replyEnvelopeError(env *protocol.Envelope, code uint16) {
	if !env.Packet.IsRequest() {
		return
	}
	if n.metrics != nil {
		n.metrics.ErrorSent(constants.ErrorName(code))
	}
	out := &protocol.Envelope{
		TargetNodeId:  env.SourceNodeId,
		TargetStageId: env.SourceStageId,
		AccountId:     env.AccountId,
		Flags:         constants.FlagReply,
		Packet:        *protocol.NewError(&env.Packet, code),
	}
	if err := n.cluster.Send(out); err != nil {
		slog.Warn("error reply send failed",
			"to", env.SourceNodeId, "msgId", env.Packet.MsgId, "error", err)
	}
}

// onPeerDown fails every request in flight toward the lost peer.
func (n *Node) onPeerDown(nodeId string) {
	if failed := n.requests.FailNode(nodeId, constants.NodeUnreachable); failed > 0 {
		slog.Warn("peer lost with requests in flight", "peer", nodeId, "failed", failed)
	}
}
