package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
	"github.com/playhouse/playhouse-go/internal/reqcache"
)

// ErrClosed is returned for operations on a finished connection.
var ErrClosed = errors.New("connector: connection closed")

// ReplyError is a non-zero error code from the server on a handshake
// request.
type ReplyError struct {
	MsgId string
	Code  uint16
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server replied %d (%s) to %s", e.Code, constants.ErrorName(e.Code), e.MsgId)
}

// Client is one connection to a play node. Safe for concurrent use; one
// Client maps to one session server-side.
type Client struct {
	cfg      Config
	conn     clientConn
	requests *reqcache.Cache

	sendCh   chan []byte
	closedCh chan struct{}
	closing  sync.Once

	stageId  atomic.Int64
	lastRecv atomic.Int64
	reason   atomic.Int32 // close reason code, -1 until recorded

	wg sync.WaitGroup
}

// Dial connects to cfg.Address and starts the connection loops. The
// session is pre-auth until Connect and Authenticate succeed.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, err := dialConn(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		requests: reqcache.New(cfg.RequestTimeout),
		sendCh:   make(chan []byte, cfg.SendQueueSize),
		closedCh: make(chan struct{}),
	}
	c.reason.Store(-1)
	c.lastRecv.Store(time.Now().UnixNano())

	for _, loop := range []func(){c.readLoop, c.writeLoop} {
		loop := loop
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			loop()
		}()
	}
	if cfg.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.heartbeatLoop()
		}()
	}
	return c, nil
}

// Connect binds the session to stageId, declaring stageType. An empty
// stageType falls back to cfg.DefaultStageType. creation is handed to the
// stage's OnCreate when the join spawns it.
func (c *Client) Connect(ctx context.Context, stageId int64, stageType string, creation []byte) error {
	if stageType == "" {
		stageType = c.cfg.DefaultStageType
	}
	payload, err := protocol.TypedPayload(stageType, creation)
	if err != nil {
		return fmt.Errorf("building connect payload: %w", err)
	}

	reply, err := c.Request(ctx, &protocol.Packet{
		MsgId:   constants.MsgConnect,
		StageId: stageId,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if reply.ErrorCode != constants.Success {
		return &ReplyError{MsgId: constants.MsgConnect, Code: reply.ErrorCode}
	}
	c.stageId.Store(stageId)
	return nil
}

// Authenticate sends the auth request that admits the session to its
// stage. The reply is returned even on a non-zero code so the caller can
// inspect the body.
func (c *Client) Authenticate(ctx context.Context, payload []byte) (*protocol.Packet, error) {
	reply, err := c.Request(ctx, &protocol.Packet{
		MsgId:   c.cfg.AuthMsgId,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	if reply.ErrorCode != constants.Success {
		return reply, &ReplyError{MsgId: c.cfg.AuthMsgId, Code: reply.ErrorCode}
	}
	return reply, nil
}

// Request sends pkt as a request and blocks for the reply. Framework
// failures surface as replies with the matching error code; err is for
// transport and ctx problems only. A zero pkt.StageId is stamped with the
// connected stage.
func (c *Client) Request(ctx context.Context, pkt *protocol.Packet) (*protocol.Packet, error) {
	select {
	case <-c.closedCh:
		return nil, ErrClosed
	default:
	}

	ch := make(chan *protocol.Packet, 1)
	seq, err := c.requests.Register(pkt.MsgId, 0, "", func(reply *protocol.Packet) { ch <- reply })
	if err != nil {
		return nil, fmt.Errorf("registering request: %w", err)
	}
	pkt.MsgSeq = seq
	if pkt.StageId == 0 {
		pkt.StageId = c.stageId.Load()
	}

	frame, err := protocol.EncodeRequest(pkt, c.cfg.MaxPacketSize)
	if err != nil {
		c.requests.Fail(seq, constants.BadRequest)
		return nil, err
	}
	if !c.enqueue(frame) {
		c.requests.Fail(seq, constants.Disconnected)
		return nil, ErrClosed
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		c.requests.Fail(seq, constants.Timeout)
		return nil, ctx.Err()
	}
}

// Send pushes pkt without expecting a reply.
func (c *Client) Send(pkt *protocol.Packet) error {
	pkt.MsgSeq = 0
	if pkt.StageId == 0 {
		pkt.StageId = c.stageId.Load()
	}
	frame, err := protocol.EncodeRequest(pkt, c.cfg.MaxPacketSize)
	if err != nil {
		return err
	}
	if !c.enqueue(frame) {
		return ErrClosed
	}
	return nil
}

// StageId returns the stage bound by Connect, 0 before that.
func (c *Client) StageId() int64 { return c.stageId.Load() }

// Done closes when the connection is finished.
func (c *Client) Done() <-chan struct{} { return c.closedCh }

// CloseReason returns the code the server pushed via @session.close, or
// Disconnected when the connection just dropped.
func (c *Client) CloseReason() uint16 {
	if v := c.reason.Load(); v >= 0 {
		return uint16(v)
	}
	return constants.Disconnected
}

// Close tears the connection down and waits for the loops to finish.
// Pending requests fail with Disconnected.
func (c *Client) Close() error {
	c.teardown()
	c.wg.Wait()
	return nil
}

func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.sendCh <- frame:
		return true
	case <-c.closedCh:
		return false
	}
}

func (c *Client) teardown() {
	c.closing.Do(func() {
		close(c.closedCh)
		c.conn.Close()
		c.requests.FailAll(constants.Disconnected)
		c.requests.Close()
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(c.CloseReason())
		}
	})
}

func (c *Client) readLoop() {
	defer c.teardown()
	deadline := c.cfg.readDeadline()
	for {
		pkt, err := c.conn.ReadPacket(deadline)
		if err != nil {
			select {
			case <-c.closedCh:
			default:
				slog.Debug("connection read failed", "addr", c.cfg.Address, "error", err)
			}
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		switch pkt.MsgId {
		case constants.MsgPing:
			c.pong()
		case constants.MsgPong:
			// Already counted as traffic.
		case constants.MsgSessionClose:
			c.reason.CompareAndSwap(-1, int32(pkt.ErrorCode))
			slog.Debug("server announced close",
				"addr", c.cfg.Address, "reason", constants.ErrorName(pkt.ErrorCode))
		default:
			if pkt.MsgSeq > 0 {
				if !c.requests.Complete(pkt.MsgSeq, pkt) {
					slog.Debug("late reply dropped", "msgId", pkt.MsgId, "msgSeq", pkt.MsgSeq)
				}
			} else if c.cfg.OnPush != nil {
				c.cfg.OnPush(pkt)
			} else {
				slog.Debug("push dropped, no handler", "msgId", pkt.MsgId)
			}
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.conn.WriteFrame(frame, c.cfg.WriteTimeout); err != nil {
				slog.Debug("connection write failed", "addr", c.cfg.Address, "error", err)
				c.teardown()
				return
			}
		case <-c.closedCh:
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastRecv.Load()))
			if idle < c.cfg.HeartbeatInterval {
				continue
			}
			if err := c.Send(protocol.New(constants.MsgPing, nil)); err != nil {
				return
			}
		case <-c.closedCh:
			return
		}
	}
}

func (c *Client) pong() {
	frame, err := protocol.EncodeRequest(protocol.New(constants.MsgPong, nil), c.cfg.MaxPacketSize)
	if err != nil {
		return
	}
	// Best effort: a full outbox means traffic is flowing anyway.
	select {
	case c.sendCh <- frame:
	default:
	}
}
