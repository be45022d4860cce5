package connector

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// scriptServer speaks the server side of the wire for exactly one client.
// Every inbound packet lands on seen; script, when set, decides the
// replies.
type scriptServer struct {
	t      *testing.T
	ln     net.Listener
	script func(s *scriptServer, pkt *protocol.Packet)
	seen   chan *protocol.Packet

	ready chan struct{}
	mu    sync.Mutex
	conn  net.Conn
}

func newScriptServer(t *testing.T, script func(*scriptServer, *protocol.Packet)) *scriptServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &scriptServer{
		t:      t,
		ln:     ln,
		script: script,
		seen:   make(chan *protocol.Packet, 64),
		ready:  make(chan struct{}),
	}
	t.Cleanup(func() {
		ln.Close()
		s.CloseConn()
	})

	go s.serve()
	return s
}

func (s *scriptServer) addr() string { return s.ln.Addr().String() }

func (s *scriptServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)

	dec := protocol.NewRequestDecoder(constants.DefaultMaxPacketSize)
	rbuf := make([]byte, 4096)
	for {
		pkt, err := dec.Next()
		if err != nil {
			return
		}
		if pkt != nil {
			s.seen <- pkt
			if s.script != nil {
				s.script(s, pkt)
			}
			continue
		}
		n, err := conn.Read(rbuf)
		if err != nil {
			return
		}
		dec.Feed(rbuf[:n])
	}
}

func (s *scriptServer) write(pkt *protocol.Packet) {
	frame, err := protocol.EncodeResponse(pkt, 0, constants.DefaultMaxPacketSize)
	require.NoError(s.t, err)
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Write(frame)
	}
}

// Reply mirrors the request with code and payload.
func (s *scriptServer) Reply(req *protocol.Packet, code uint16, payload []byte) {
	s.write(&protocol.Packet{
		MsgId:     req.MsgId,
		MsgSeq:    req.MsgSeq,
		StageId:   req.StageId,
		ErrorCode: code,
		Payload:   payload,
	})
}

// Push sends an unsolicited packet.
func (s *scriptServer) Push(msgId string, code uint16, payload []byte) {
	s.write(&protocol.Packet{MsgId: msgId, ErrorCode: code, Payload: payload})
}

func (s *scriptServer) CloseConn() {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// awaitSeen returns the next inbound packet with msgId, skipping others.
func (s *scriptServer) awaitSeen(msgId string) *protocol.Packet {
	s.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case pkt := <-s.seen:
			if pkt.MsgId == msgId {
				return pkt
			}
		case <-deadline:
			s.t.Fatalf("server never received %q", msgId)
			return nil
		}
	}
}

// okScript answers every request with Success.
func okScript(s *scriptServer, pkt *protocol.Packet) {
	if pkt.MsgSeq > 0 {
		s.Reply(pkt, constants.Success, nil)
	}
}

func dialTest(t *testing.T, addr string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig(addr)
	cfg.HeartbeatInterval = 0 // tests drive their own traffic
	cfg.RequestTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectAuthenticateRequest(t *testing.T) {
	srv := newScriptServer(t, func(s *scriptServer, pkt *protocol.Packet) {
		switch pkt.MsgId {
		case constants.MsgConnect:
			s.Reply(pkt, constants.Success, nil)
		case "auth":
			s.Reply(pkt, constants.Success, []byte("welcome"))
		case "echo":
			s.Reply(pkt, constants.Success, pkt.Payload)
		}
	})
	c := dialTest(t, srv.addr(), nil)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, 42, "room", []byte("init")))
	assert.Equal(t, int64(42), c.StageId())

	connectReq := srv.awaitSeen(constants.MsgConnect)
	assert.Equal(t, int64(42), connectReq.StageId)
	r := protocol.NewReader(connectReq.Payload)
	stageType, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "room", stageType)
	assert.Equal(t, []byte("init"), r.Rest())

	reply, err := c.Authenticate(ctx, []byte("token"))
	require.NoError(t, err)
	assert.Equal(t, []byte("welcome"), reply.Payload)

	echo, err := c.Request(ctx, protocol.New("echo", []byte("ping")))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), echo.Payload)

	// Requests ride on the connected stage by default.
	echoReq := srv.awaitSeen("echo")
	assert.Equal(t, int64(42), echoReq.StageId)
}

func TestConnectRejected(t *testing.T) {
	srv := newScriptServer(t, func(s *scriptServer, pkt *protocol.Packet) {
		s.Reply(pkt, constants.WrongStageType, nil)
	})
	c := dialTest(t, srv.addr(), nil)

	err := c.Connect(context.Background(), 7, "arena", nil)
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, constants.WrongStageType, replyErr.Code)
	assert.Zero(t, c.StageId())
}

func TestRequestTimesOutAsReply(t *testing.T) {
	srv := newScriptServer(t, nil) // swallow everything
	c := dialTest(t, srv.addr(), func(cfg *Config) {
		cfg.RequestTimeout = 80 * time.Millisecond
	})

	reply, err := c.Request(context.Background(), protocol.New("slow", nil))
	require.NoError(t, err)
	assert.Equal(t, constants.Timeout, reply.ErrorCode)
}

func TestRequestContextCancel(t *testing.T) {
	srv := newScriptServer(t, nil)
	c := dialTest(t, srv.addr(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, protocol.New("slow", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPushCallback(t *testing.T) {
	srv := newScriptServer(t, okScript)
	pushes := make(chan *protocol.Packet, 4)
	dialTest(t, srv.addr(), func(cfg *Config) {
		cfg.OnPush = func(pkt *protocol.Packet) { pushes <- pkt }
	})

	srv.Push("announce", constants.Success, []byte("hello all"))
	select {
	case pkt := <-pushes:
		assert.Equal(t, "announce", pkt.MsgId)
		assert.Equal(t, []byte("hello all"), pkt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("push never arrived")
	}
}

func TestAutoPong(t *testing.T) {
	srv := newScriptServer(t, okScript)
	dialTest(t, srv.addr(), nil)

	srv.Push(constants.MsgPing, constants.Success, nil)
	srv.awaitSeen(constants.MsgPong)
}

func TestClientHeartbeat(t *testing.T) {
	srv := newScriptServer(t, okScript)
	dialTest(t, srv.addr(), func(cfg *Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	})

	srv.awaitSeen(constants.MsgPing)
}

func TestSessionCloseReason(t *testing.T) {
	srv := newScriptServer(t, okScript)
	reasons := make(chan uint16, 1)
	c := dialTest(t, srv.addr(), func(cfg *Config) {
		cfg.OnDisconnect = func(reason uint16) { reasons <- reason }
	})

	srv.Push(constants.MsgSessionClose, constants.DuplicateLogin, nil)
	// The push races the close; wait until the client has seen it.
	require.Eventually(t, func() bool {
		return c.reason.Load() >= 0
	}, 2*time.Second, 5*time.Millisecond)
	srv.CloseConn()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never noticed the close")
	}
	assert.Equal(t, constants.DuplicateLogin, c.CloseReason())
	select {
	case reason := <-reasons:
		assert.Equal(t, constants.DuplicateLogin, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect never ran")
	}
}

func TestPendingRequestsFailOnDrop(t *testing.T) {
	srv := newScriptServer(t, func(s *scriptServer, pkt *protocol.Packet) {
		if pkt.MsgId == "hang" {
			s.CloseConn()
		}
	})
	c := dialTest(t, srv.addr(), nil)

	reply, err := c.Request(context.Background(), protocol.New("hang", nil))
	require.NoError(t, err)
	assert.Equal(t, constants.Disconnected, reply.ErrorCode)

	_, err = c.Request(context.Background(), protocol.New("after", nil))
	assert.Error(t, err, "requests after the drop must fail fast")
}

func TestWebsocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			pkt, err := protocol.DecodeRequestFrame(data, constants.DefaultMaxPacketSize)
			if err != nil {
				return
			}
			if pkt.MsgSeq == 0 {
				continue
			}
			frame, err := protocol.EncodeResponse(&protocol.Packet{
				MsgId:   pkt.MsgId,
				MsgSeq:  pkt.MsgSeq,
				StageId: pkt.StageId,
				Payload: pkt.Payload,
			}, 0, constants.DefaultMaxPacketSize)
			if err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(httpSrv.Close)

	addr := strings.TrimPrefix(httpSrv.URL, "http://")
	c := dialTest(t, addr, func(cfg *Config) {
		cfg.UseWebsocket = true
	})

	reply, err := c.Request(context.Background(), protocol.New("echo", []byte("over ws")))
	require.NoError(t, err)
	assert.Equal(t, []byte("over ws"), reply.Payload)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listens here anymore

	cfg := DefaultConfig(addr)
	cfg.DialTimeout = 200 * time.Millisecond
	_, err = Dial(context.Background(), cfg)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrClosed))
}
