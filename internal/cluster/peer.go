package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/playhouse/playhouse-go/internal/config"
	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// ErrPeerDown is returned when a frame cannot be queued because the peer has
// no live outbound connection.
var ErrPeerDown = errors.New("peer not connected")

// peer maintains the outbound connection to one cluster node. Envelopes to
// that node always travel over this connection; the peer's replies come back
// over the peer's own outbound connection and land in our listener.
type peer struct {
	entry config.NodeEntry
	cfg   config.ClusterConfig

	mu     sync.Mutex
	conn   net.Conn
	sendCh chan []byte

	connected atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once

	onUp   func(nodeId string)
	onDown func(nodeId string)
	hello  []byte // announce frame sent after every successful dial
}

func newPeer(entry config.NodeEntry, cfg config.ClusterConfig, hello []byte, onUp, onDown func(nodeId string)) *peer {
	return &peer{
		entry:   entry,
		cfg:     cfg,
		hello:   hello,
		onUp:    onUp,
		onDown:  onDown,
		closeCh: make(chan struct{}),
	}
}

// run dials the peer and keeps the connection alive until ctx ends, backing
// off between attempts so a dead peer does not burn CPU.
func (p *peer) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.ReconnectMin
	bo.MaxInterval = p.cfg.ReconnectMax
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closeCh:
			return
		default:
		}

		conn, err := p.dial(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			slog.Debug("peer dial failed",
				"peer", p.entry.NodeId, "address", p.entry.Address,
				"retry_in", wait, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-p.closeCh:
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		slog.Info("peer connected", "peer", p.entry.NodeId, "address", p.entry.Address)
		p.serve(ctx, conn)
		slog.Warn("peer connection lost", "peer", p.entry.NodeId)
	}
}

func (p *peer) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: p.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", p.entry.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", p.entry.Address, err)
	}

	// Announce ourselves so the listener can attribute this connection.
	if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting hello deadline: %w", err)
	}
	if _, err := conn.Write(p.hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clearing hello deadline: %w", err)
	}
	return conn, nil
}

// serve owns conn until it breaks. The outbound side never reads application
// data; the read goroutine exists only to notice the peer closing.
func (p *peer) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sendCh := make(chan []byte, p.cfg.SendQueueSize)
	p.mu.Lock()
	p.conn = conn
	p.sendCh = sendCh
	p.mu.Unlock()

	p.connected.Store(true)
	p.onUp(p.entry.NodeId)
	defer func() {
		p.connected.Store(false)
		p.mu.Lock()
		p.conn = nil
		p.sendCh = nil
		p.mu.Unlock()
		p.onDown(p.entry.NodeId)
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, 512)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	bufs := make(net.Buffers, 0, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closeCh:
			return
		case <-readerDone:
			return
		case frame := <-sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
				slog.Warn("peer set write deadline failed", "peer", p.entry.NodeId, "error", err)
				return
			}

			// Drain whatever queued up behind the first frame into one writev.
			queued := len(sendCh)
			if queued == 0 {
				if _, err := conn.Write(frame); err != nil {
					slog.Warn("peer write failed", "peer", p.entry.NodeId, "error", err)
					return
				}
				continue
			}

			bufs = bufs[:0]
			bufs = append(bufs, frame)
			for i := 0; i < queued; i++ {
				bufs = append(bufs, <-sendCh)
			}
			if _, err := bufs.WriteTo(conn); err != nil {
				slog.Warn("peer batch write failed", "peer", p.entry.NodeId, "error", err)
				return
			}
		}
	}
}

// send queues an encoded frame. Non-blocking: a full queue counts as an
// unreachable peer rather than stalling a stage loop.
func (p *peer) send(frame []byte) error {
	p.mu.Lock()
	sendCh := p.sendCh
	p.mu.Unlock()

	if sendCh == nil || !p.connected.Load() {
		return ErrPeerDown
	}
	select {
	case sendCh <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", ErrPeerDown)
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
		}
		p.mu.Unlock()
	})
}

// helloFrame builds the announce envelope a dialer sends first on every new
// connection: who is calling and which service it runs.
func helloFrame(nodeId string, serviceId uint16, maxPacketSize int) ([]byte, error) {
	w := protocol.GetWriter()
	defer w.Put()
	w.Uint16(serviceId)

	return protocol.EncodeEnvelope(&protocol.Envelope{
		SourceNodeId: nodeId,
		Packet: protocol.Packet{
			MsgId:   constants.MsgHello,
			Payload: w.Data(),
		},
	}, 0, maxPacketSize)
}
