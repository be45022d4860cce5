package play

import (
	"fmt"
	"net"
	"time"

	"github.com/playhouse/playhouse-go/internal/protocol"
)

// sessionConn abstracts the client transport so the session logic does not
// care whether bytes arrive over TCP, TLS, or a WebSocket. Frames are the
// same on every transport: length-prefixed request bodies in, response
// bodies out.
type sessionConn interface {
	// ReadPacket blocks for the next whole client packet.
	ReadPacket() (*protocol.Packet, error)

	// WriteFrames writes already-encoded response frames under one write
	// deadline.
	WriteFrames(bufs net.Buffers, timeout time.Duration) error

	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// tcpSessionConn adapts a stream connection (TCP or TLS) with the
// incremental decoder.
type tcpSessionConn struct {
	conn net.Conn
	dec  *protocol.Decoder
	rbuf []byte
}

func newTCPSessionConn(conn net.Conn, maxPacketSize int, readBuf []byte) *tcpSessionConn {
	return &tcpSessionConn{
		conn: conn,
		dec:  protocol.NewRequestDecoder(maxPacketSize),
		rbuf: readBuf,
	}
}

func (t *tcpSessionConn) ReadPacket() (*protocol.Packet, error) {
	for {
		pkt, err := t.dec.Next()
		if err != nil {
			return nil, fmt.Errorf("decoding client frame: %w", err)
		}
		if pkt != nil {
			return pkt, nil
		}
		n, err := t.conn.Read(t.rbuf)
		if err != nil {
			return nil, err
		}
		t.dec.Feed(t.rbuf[:n])
	}
}

func (t *tcpSessionConn) WriteFrames(bufs net.Buffers, timeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := bufs.WriteTo(t.conn); err != nil {
		return fmt.Errorf("writing frames: %w", err)
	}
	return nil
}

func (t *tcpSessionConn) SetReadDeadline(tm time.Time) error { return t.conn.SetReadDeadline(tm) }
func (t *tcpSessionConn) RemoteAddr() net.Addr               { return t.conn.RemoteAddr() }
func (t *tcpSessionConn) Close() error                       { return t.conn.Close() }
