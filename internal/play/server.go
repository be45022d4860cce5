package play

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhouse/playhouse-go/internal/constants"
)

const clientReadBufSize = 8 * 1024

// ipGate caps concurrent sessions per client IP. A zero limit disables the
// gate.
type ipGate struct {
	mu    sync.Mutex
	limit int
	conns map[string]int
}

func newIPGate(limit int) *ipGate {
	return &ipGate{limit: limit, conns: make(map[string]int)}
}

func (g *ipGate) acquire(ip string) bool {
	if g.limit <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns[ip] >= g.limit {
		return false
	}
	g.conns[ip]++
	return true
}

func (g *ipGate) release(ip string) {
	if g.limit <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.conns[ip]; n <= 1 {
		delete(g.conns, ip)
	} else {
		g.conns[ip] = n - 1
	}
}

// runTCP listens for plain TCP (or TLS when configured) client connections.
func (n *Node) runTCP(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.BindAddress, n.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if n.cfg.TLS.Enabled {
		tlsCfg, err := n.tlsConfig()
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	n.mu.Lock()
	n.tcpListener = ln
	n.mu.Unlock()

	return n.ServeTCP(ctx, ln)
}

// ServeTCP accepts client connections from ln. Split from runTCP so tests
// can pass their own listener.
func (n *Node) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("client server started", "node", n.cfg.NodeId, "address", ln.Addr(), "tls", n.cfg.TLS.Enabled)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("failed to accept new connection", "error", err)
			continue
		}

		if !n.acceptLimiter.Allow() {
			slog.Warn("accept rate exceeded, shedding connection", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetKeepAlive(true); err != nil {
				slog.Warn("set keepalive failed", "error", err)
			}
			if err := tcpConn.SetKeepAlivePeriod(30 * time.Second); err != nil {
				slog.Warn("set keepalive period failed", "error", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			rbuf := n.readPool.Get(clientReadBufSize)
			defer n.readPool.Put(rbuf)
			sc := newTCPSessionConn(conn, n.cfg.MaxPacketSize, rbuf)
			n.handleSession(ctx, sc)
		}()
	}

	wg.Wait()
	return nil
}

// runWS serves WebSocket clients on its own port. The payload framing is
// identical to TCP; a WS binary message carries exactly one frame.
func (n *Node) runWS(ctx context.Context) error {
	if n.cfg.WSPort <= 0 {
		<-ctx.Done()
		return nil
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Game clients are not browsers; deployments that serve browser
		// clients enforce origins at the proxy.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(n.cfg.WSPath, func(w http.ResponseWriter, r *http.Request) {
		if !n.acceptLimiter.Allow() {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		sc := newWSSessionConn(ws, n.cfg.MaxPacketSize)
		n.handleSession(ctx, sc)
	})

	addr := fmt.Sprintf("%s:%d", n.cfg.BindAddress, n.cfg.WSPort)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if n.cfg.TLS.Enabled {
		tlsCfg, err := n.tlsConfig()
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("websocket server started", "node", n.cfg.NodeId, "address", ln.Addr(), "path", n.cfg.WSPath)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket clients: %w", err)
	}
	return nil
}

func (n *Node) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(n.cfg.TLS.CertFile, n.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tls keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// handleSession owns one client connection from accept to cleanup. Runs on
// the accepting goroutine; returns when the connection dies.
func (n *Node) handleSession(ctx context.Context, sc sessionConn) {
	ip := remoteHost(sc.RemoteAddr().String())
	if !n.ipConns.acquire(ip) {
		slog.Warn("per-ip connection cap hit, shedding connection", "client", ip)
		sc.Close()
		return
	}
	defer n.ipConns.release(ip)

	sess := newSession(n, sc, n.sessions.IssueId())
	n.sessions.Add(sess)
	if n.metrics != nil {
		n.metrics.SessionOpened()
	}
	slog.Info("session opened", "session", sess.Id(), "client", sess.IP())

	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-sess.closeCh:
		}
	}()
	go sess.writePump()
	go sess.heartbeatLoop()

	// Sessions that never authenticate are reaped.
	authGate := time.AfterFunc(n.cfg.AuthTimeout, func() {
		if !sess.IsJoined() {
			slog.Info("auth timeout, closing session", "session", sess.Id(), "client", sess.IP())
			sess.closeWithReason(constants.Unauthenticated)
		}
	})

	sess.readLoop()

	authGate.Stop()
	n.finishSession(sess)
}

// finishSession unwinds a dead connection: registry, metrics, and the
// lingering-actor notification to the stage.
func (n *Node) finishSession(sess *Session) {
	sess.Close()
	n.sessions.Remove(sess.Id())
	if n.metrics != nil {
		n.metrics.SessionClosed()
	}

	if sess.IsJoined() {
		if s := n.pool.get(sess.StageId()); s != nil {
			id := sess.Id()
			if err := s.post(func() { s.runDisconnect(id) }, nil); err != nil {
				slog.Debug("disconnect notice dropped", "session", id, "stage", s.id, "error", err)
			}
		}
	}
	slog.Info("session closed", "session", sess.Id(), "client", sess.IP(), "account", sess.AccountId())
}
