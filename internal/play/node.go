package play

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/playhouse/playhouse-go/internal/admin"
	"github.com/playhouse/playhouse-go/internal/cluster"
	"github.com/playhouse/playhouse-go/internal/config"
	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/metrics"
	"github.com/playhouse/playhouse-go/internal/protocol"
	"github.com/playhouse/playhouse-go/internal/reqcache"
	"github.com/playhouse/playhouse-go/internal/timer"
)

// Node assembles a play node: client listeners, stage pool, timers, the
// request cache, and the fabric transport. Register stage types before Run.
type Node struct {
	cfg      config.PlayServer
	metrics  *metrics.Metrics
	sessions *SessionManager
	pool     *pool
	timers   *timer.Service
	requests *reqcache.Cache
	cluster  *cluster.Transport
	admin    *admin.Server
	readPool *BytePool

	acceptLimiter *rate.Limiter
	ipConns       *ipGate

	mu          sync.Mutex
	tcpListener net.Listener
}

// NewNode wires a play node from config. Nothing listens until Run.
func NewNode(cfg config.PlayServer) *Node {
	if cfg.NodeId == "" {
		cfg.NodeId = config.GenerateNodeId("play")
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = constants.DefaultMaxPacketSize
	}
	if cfg.Cluster.RequestTimeout <= 0 {
		cfg.Cluster.RequestTimeout = 10 * time.Second
	}

	n := &Node{
		cfg:      cfg,
		sessions: NewSessionManager(),
		readPool: NewBytePool(clientReadBufSize),
	}
	n.metrics = metrics.New(cfg.NodeId)
	n.pool = newPool(n)
	n.timers = timer.New(n.postTimerFire)
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

	limit := rate.Inf
	if cfg.AcceptPerSecond > 0 {
		limit = rate.Limit(cfg.AcceptPerSecond)
	}
	burst := cfg.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	n.acceptLimiter = rate.NewLimiter(limit, burst)
	n.ipConns = newIPGate(cfg.MaxConnsPerIP)

	n.admin = admin.New(cfg.Admin, admin.Options{
		NodeId:  cfg.NodeId,
		Metrics: n.metrics.Handler(),
		Sections: map[string]admin.Section{
			"stages":   func() any { return n.pool.snapshot() },
			"sessions": func() any { return n.sessions.Snapshot() },
			"cluster":  func() any { return n.cluster.Table().Snapshot() },
		},
	})
	return n
}

// RegisterStage binds a stage type to its factories. Must happen before
// Run; duplicate registration is an error.
func (n *Node) RegisterStage(stageType string, sf StageFactory, af ActorFactory) error {
	return n.pool.register(stageType, sf, af)
}

// NodeId returns the node's cluster identity.
func (n *Node) NodeId() string { return n.cfg.NodeId }

// Metrics exposes the node's registry, mainly for tests and the admin
// endpoint.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Addr returns the TCP client listener address, nil before Run.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tcpListener == nil {
		return nil
	}
	return n.tcpListener.Addr()
}

// Run starts every listener and blocks until ctx is cancelled or one of
// them fails. Shutdown drains in order: stages, sessions, requests, timers,
// fabric.
func (n *Node) Run(ctx context.Context) error {
	slog.Info("play node starting",
		"node", n.cfg.NodeId, "serviceId", n.cfg.ServiceId,
		"port", n.cfg.Port, "wsPort", n.cfg.WSPort, "clusterPort", n.cfg.Cluster.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.cluster.Run(ctx) })
	g.Go(func() error { return n.runTCP(ctx) })
	g.Go(func() error { return n.runWS(ctx) })
	g.Go(func() error { return n.admin.Run(ctx) })
	g.Go(func() error { n.statsLoop(ctx); return nil })

	err := g.Wait()
	n.shutdown()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (n *Node) shutdown() {
	n.pool.closeAll()
	n.sessions.CloseAll()
	n.requests.Close()
	n.timers.Close()
	if err := n.cluster.Close(); err != nil {
		slog.Debug("closing cluster transport", "error", err)
	}
	slog.Info("play node stopped", "node", n.cfg.NodeId)
}

// statsLoop refreshes the sampled gauges.
func (n *Node) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.metrics.PendingRequests(n.requests.Pending())
			n.metrics.ActiveTimers(n.timers.Active())
		case <-ctx.Done():
			return
		}
	}
}

// postTimerFire delivers a timer fire into its stage's loop. Fires for a
// stage that is already gone are dropped.
func (n *Node) postTimerFire(stageId, timerId int64, fire func()) {
	s := n.pool.get(stageId)
	if s == nil {
		return
	}
	if err := s.post(fire, nil); err != nil {
		slog.Debug("timer fire dropped", "stage", stageId, "timer", timerId, "error", err)
	}
}

// onPeerDown fails every request in flight toward the lost peer.
func (n *Node) onPeerDown(nodeId string) {
	if failed := n.requests.FailNode(nodeId, constants.NodeUnreachable); failed > 0 {
		slog.Warn("peer lost with requests in flight", "peer", nodeId, "failed", failed)
	}
}

// pushToSession reshapes pkt as a push from stageId and queues it on the
// session's outbox.
func (n *Node) pushToSession(sessionId, stageId int64, pkt *protocol.Packet) bool {
	sess := n.sessions.Get(sessionId)
	if sess == nil {
		return false
	}
	pkt.MsgSeq = 0
	pkt.StageId = stageId
	return sess.sendPacket(pkt)
}
