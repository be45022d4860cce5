// Package admin serves the operational HTTP surface of a node: liveness,
// Prometheus metrics, and JSON debug listings. Bound to localhost by
// default; anything wider is a deployment decision.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/playhouse/playhouse-go/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Section provides the data behind one /debug/{name} listing. Called per
// request; must be safe from any goroutine.
type Section func() any

// Options wires a node's introspection points into the endpoint.
type Options struct {
	NodeId   string
	Metrics  http.Handler
	Sections map[string]Section
}

// Server is the admin HTTP endpoint. A disabled config still yields a
// usable value whose Run just waits for ctx.
type Server struct {
	cfg  config.AdminConfig
	opts Options

	mu sync.Mutex
	ln net.Listener
}

func New(cfg config.AdminConfig, opts Options) *Server {
	return &Server{cfg: cfg, opts: opts}
}

// Addr returns the bound address, nil before Run or when disabled.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lnAddr()
}

func (s *Server) lnAddr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run serves until ctx is cancelled. Returns nil on clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
	for name, section := range s.opts.Sections {
		r.HandleFunc("/debug/"+name, s.sectionHandler(section)).Methods(http.MethodGet)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on admin %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("admin endpoint started", "node", s.opts.NodeId, "address", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving admin endpoint: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]string{"status": "ok", "nodeId": s.opts.NodeId})
}

func (s *Server) sectionHandler(section Section) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSON(w, section())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}
