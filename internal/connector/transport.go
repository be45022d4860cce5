package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhouse/playhouse-go/internal/protocol"
)

// clientConn abstracts the dialed transport so the client logic is shared
// between the TCP stream and WebSocket messages.
type clientConn interface {
	// ReadPacket blocks for the next server frame. The deadline window
	// bounds server silence; 0 disables it.
	ReadPacket(deadline time.Duration) (*protocol.Packet, error)
	WriteFrame(frame []byte, timeout time.Duration) error
	Close() error
}

func dialConn(ctx context.Context, cfg Config) (clientConn, error) {
	if cfg.UseWebsocket {
		return dialWS(ctx, cfg)
	}
	return dialTCP(ctx, cfg)
}

func clientTLSConfig(cfg Config) (*tls.Config, error) {
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("parsing address %q: %w", cfg.Address, err)
	}
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// tcpClientConn reads server→client frames from a raw stream.
type tcpClientConn struct {
	conn net.Conn
	dec  *protocol.Decoder
	rbuf []byte
}

func dialTCP(ctx context.Context, cfg Config) (clientConn, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Address, err)
	}
	if cfg.UseTLS {
		tlsCfg, err := clientTLSConfig(cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", cfg.Address, err)
		}
		conn = tlsConn
	}
	return &tcpClientConn{
		conn: conn,
		dec:  protocol.NewResponseDecoder(cfg.MaxPacketSize),
		rbuf: make([]byte, cfg.ReadBufferSize),
	}, nil
}

func (c *tcpClientConn) ReadPacket(deadline time.Duration) (*protocol.Packet, error) {
	for {
		pkt, err := c.dec.Next()
		if err != nil {
			return nil, err
		}
		if pkt != nil {
			return pkt, nil
		}

		if deadline > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
				return nil, err
			}
		}
		n, err := c.conn.Read(c.rbuf)
		if err != nil {
			return nil, err
		}
		c.dec.Feed(c.rbuf[:n])
	}
}

func (c *tcpClientConn) WriteFrame(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *tcpClientConn) Close() error { return c.conn.Close() }

// wsClientConn carries one whole frame per binary message.
type wsClientConn struct {
	ws            *websocket.Conn
	maxPacketSize int
}

func dialWS(ctx context.Context, cfg Config) (clientConn, error) {
	scheme := "ws"
	var tlsCfg *tls.Config
	if cfg.UseTLS {
		scheme = "wss"
		var err error
		tlsCfg, err = clientTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
	}
	u := url.URL{Scheme: scheme, Host: cfg.Address, Path: cfg.WSPath}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.ReadBufferSize,
		TLSClientConfig:  tlsCfg,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}
	ws.SetReadLimit(int64(cfg.MaxPacketSize))
	return &wsClientConn{ws: ws, maxPacketSize: cfg.MaxPacketSize}, nil
}

func (c *wsClientConn) ReadPacket(deadline time.Duration) (*protocol.Packet, error) {
	for {
		if deadline > 0 {
			if err := c.ws.SetReadDeadline(time.Now().Add(deadline)); err != nil {
				return nil, err
			}
		}
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return protocol.DecodeResponseFrame(data, c.maxPacketSize)
	}
}

func (c *wsClientConn) WriteFrame(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsClientConn) Close() error { return c.ws.Close() }
