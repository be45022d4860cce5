package play

import (
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhouse/playhouse-go/internal/protocol"
)

// wsSessionConn adapts a WebSocket connection. One binary message carries
// exactly one frame, in the same length-prefixed layout as the stream
// transports, so clients can switch transport without reframing.
type wsSessionConn struct {
	ws            *websocket.Conn
	maxPacketSize int
}

func newWSSessionConn(ws *websocket.Conn, maxPacketSize int) *wsSessionConn {
	ws.SetReadLimit(int64(maxPacketSize))
	return &wsSessionConn{ws: ws, maxPacketSize: maxPacketSize}
}

func (w *wsSessionConn) ReadPacket() (*protocol.Packet, error) {
	for {
		mt, data, err := w.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			// Text and control frames are not part of the protocol.
			continue
		}
		pkt, err := protocol.DecodeRequestFrame(data, w.maxPacketSize)
		if err != nil {
			return nil, fmt.Errorf("decoding websocket frame: %w", err)
		}
		return pkt, nil
	}
}

func (w *wsSessionConn) WriteFrames(bufs net.Buffers, timeout time.Duration) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	for _, frame := range bufs {
		if err := w.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("writing websocket frame: %w", err)
		}
	}
	return nil
}

func (w *wsSessionConn) SetReadDeadline(t time.Time) error { return w.ws.SetReadDeadline(t) }
func (w *wsSessionConn) RemoteAddr() net.Addr              { return w.ws.RemoteAddr() }
func (w *wsSessionConn) Close() error                      { return w.ws.Close() }
