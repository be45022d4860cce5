package play

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

const (
	sessionStatePreAuth int32 = iota
	sessionStateJoined
)

// Session is one client connection. The read loop runs on the accepting
// goroutine, a dedicated writePump owns the socket for writes, and stage
// work is posted into stage queues, so session fields crossed by those
// goroutines are atomics.
type Session struct {
	node *Node
	conn sessionConn
	id   int64
	ip   string

	state     atomic.Int32
	accountId atomic.Int64
	stageId   atomic.Int64
	// stageType and connectPayload are written by the read loop before the
	// auth post and read only through the stage queue afterwards.
	stageType      string
	connectPayload []byte

	lastRecv atomic.Int64 // unix nanos of the last inbound byte

	sendCh       chan []byte
	closeCh      chan struct{}
	gracefulCh   chan struct{}
	closeOnce    sync.Once
	gracefulOnce sync.Once
	marked       atomic.Bool

	writeTimeout time.Duration
}

// remoteHost strips the port, falling back to the raw address for
// transports without one.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func newSession(node *Node, conn sessionConn, id int64) *Session {
	host := remoteHost(conn.RemoteAddr().String())
	s := &Session{
		node:         node,
		conn:         conn,
		id:           id,
		ip:           host,
		sendCh:       make(chan []byte, node.cfg.SendQueueSize),
		closeCh:      make(chan struct{}),
		gracefulCh:   make(chan struct{}),
		writeTimeout: node.cfg.WriteTimeout,
	}
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

func (c *Session) Id() int64  { return c.id }
func (c *Session) IP() string { return c.ip }

func (c *Session) IsJoined() bool { return c.state.Load() == sessionStateJoined }

func (c *Session) AccountId() int64 { return c.accountId.Load() }

// StageId is the stage the session targets, 0 before @connect.
func (c *Session) StageId() int64 { return c.stageId.Load() }

// bindActor marks the session as joined. Called from the stage loop.
func (c *Session) bindActor(accountId int64) {
	c.accountId.Store(accountId)
	c.state.Store(sessionStateJoined)
}

// sendPacket encodes pkt as a response frame and queues it.
func (c *Session) sendPacket(pkt *protocol.Packet) bool {
	frame, err := protocol.EncodeResponse(pkt, c.node.cfg.CompressThreshold, c.node.cfg.MaxPacketSize)
	if err != nil {
		slog.Error("encoding response failed", "session", c.id, "msgId", pkt.MsgId, "error", err)
		return false
	}
	return c.send(frame) == nil
}

// send queues an encoded frame for async delivery. Non-blocking: a full
// queue means the client cannot keep up and the session is closed.
func (c *Session) send(frame []byte) error {
	if c.marked.Load() {
		return fmt.Errorf("session closing")
	}
	select {
	case c.sendCh <- frame:
		if c.node.metrics != nil {
			c.node.metrics.PacketOut(len(frame))
		}
		return nil
	case <-c.closeCh:
		return fmt.Errorf("session closed")
	default:
		slog.Warn("send queue full, disconnecting slow client",
			"session", c.id, "client", c.ip)
		c.Close()
		return fmt.Errorf("send queue full")
	}
}

// writePump is the dedicated writer goroutine. Batches whatever is queued
// into one writev-style call per wakeup.
func (c *Session) writePump() {
	bufs := make(net.Buffers, 0, 32)

	flush := func() error {
		if len(bufs) == 0 {
			return nil
		}
		err := c.conn.WriteFrames(bufs, c.writeTimeout)
		bufs = bufs[:0]
		return err
	}

	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			bufs = append(bufs, frame)
			for n := len(c.sendCh); n > 0; n-- {
				bufs = append(bufs, <-c.sendCh)
			}
			if err := flush(); err != nil {
				slog.Warn("write failed", "session", c.id, "client", c.ip, "error", err)
				c.Close()
				return
			}
		case <-c.gracefulCh:
			// Flush what is already queued, then close for real.
			for n := len(c.sendCh); n > 0; n-- {
				bufs = append(bufs, <-c.sendCh)
			}
			if err := flush(); err != nil {
				slog.Debug("final flush failed", "session", c.id, "error", err)
			}
			c.Close()
			return
		case <-c.closeCh:
			return
		}
	}
}

// readLoop pulls packets off the transport until the connection dies. Runs
// on the goroutine that accepted the connection.
func (c *Session) readLoop() {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.node.cfg.HeartbeatTimeout)); err != nil {
			return
		}
		pkt, err := c.conn.ReadPacket()
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				slog.Debug("read loop ended", "session", c.id, "client", c.ip, "error", err)
			}
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())
		if c.node.metrics != nil {
			c.node.metrics.PacketIn(len(pkt.Payload) + len(pkt.MsgId))
		}
		c.node.routeClientPacket(c, pkt)
	}
}

// heartbeatLoop probes idle clients. The read deadline already kills dead
// connections; this keeps half-idle ones warm.
func (c *Session) heartbeatLoop() {
	interval := c.node.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastRecv.Load()))
			if idle >= interval {
				c.sendPacket(&protocol.Packet{MsgId: constants.MsgPing})
			}
		case <-c.closeCh:
			return
		}
	}
}

// CloseGraceful flushes queued frames and then closes. Safe from any
// goroutine, idempotent.
func (c *Session) CloseGraceful() {
	c.marked.Store(true)
	c.gracefulOnce.Do(func() { close(c.gracefulCh) })
}

// closeWithReason tells the client why before closing.
func (c *Session) closeWithReason(code uint16) {
	frame, err := protocol.EncodeResponse(&protocol.Packet{
		MsgId:     constants.MsgSessionClose,
		ErrorCode: code,
	}, c.node.cfg.CompressThreshold, c.node.cfg.MaxPacketSize)
	if err == nil {
		select {
		case c.sendCh <- frame:
		default:
		}
	}
	c.CloseGraceful()
}

// Close tears the session down immediately. Safe from any goroutine,
// idempotent.
func (c *Session) Close() {
	c.marked.Store(true)
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if err := c.conn.Close(); err != nil {
			slog.Debug("closing session conn", "session", c.id, "error", err)
		}
	})
}
