// Package connector is the client side of the wire protocol: it dials a
// play node over TCP, TLS, WS, or WSS, drives the connect/authenticate
// handshake, and exposes request-reply futures plus a push callback. The
// load generator and the end-to-end tests are built on it.
package connector

import (
	"time"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// Config describes one client connection. The zero value is unusable;
// start from DefaultConfig.
type Config struct {
	// Target
	Address      string `yaml:"address"` // host:port of the play node
	UseWebsocket bool   `yaml:"use_websocket"`
	WSPath       string `yaml:"ws_path"` // default: /ws

	// TLS
	UseTLS             bool `yaml:"use_tls"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"` // tests only

	// Handshake
	AuthMsgId        string `yaml:"auth_msg_id"`        // first request after @connect
	DefaultStageType string `yaml:"default_stage_type"` // used when Connect gets ""

	// Liveness. The read deadline is HeartbeatTimeout, or IdleTimeout when
	// heartbeats are disabled; zero on both disables the deadline.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // ping cadence when idle (default: 10s)
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`  // server silence bound (default: 30s)
	IdleTimeout       time.Duration `yaml:"idle_timeout"`       // inactivity disconnect, 0 disables

	// Timeouts
	DialTimeout    time.Duration `yaml:"dial_timeout"`    // default: 5s
	RequestTimeout time.Duration `yaml:"request_timeout"` // pending request expiry (default: 10s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`   // default: 5s

	// Buffers
	SendQueueSize  int `yaml:"send_queue_size"` // outbound frames queued (default: 256)
	ReadBufferSize int `yaml:"read_buffer_size"`
	MaxPacketSize  int `yaml:"max_packet_size"`

	// OnPush receives server pushes (msgSeq 0). Runs on the read loop, so
	// it must not block.
	OnPush func(pkt *protocol.Packet) `yaml:"-"`

	// OnDisconnect runs once when the connection ends, with the reason the
	// server pushed via @session.close, or Disconnected for plain drops.
	OnDisconnect func(reason uint16) `yaml:"-"`
}

// DefaultConfig returns a Config for addr with the tunables mirroring the
// server defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Address:           addr,
		WSPath:            "/ws",
		AuthMsgId:         "auth",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		DialTimeout:       5 * time.Second,
		RequestTimeout:    10 * time.Second,
		WriteTimeout:      5 * time.Second,
		SendQueueSize:     256,
		ReadBufferSize:    8 * 1024,
		MaxPacketSize:     constants.DefaultMaxPacketSize,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig(cfg.Address)
	if cfg.WSPath == "" {
		cfg.WSPath = def.WSPath
	}
	if cfg.AuthMsgId == "" {
		cfg.AuthMsgId = def.AuthMsgId
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = def.MaxPacketSize
	}
	return cfg
}

// readDeadline returns the per-read deadline window, 0 for none.
func (cfg Config) readDeadline() time.Duration {
	if cfg.HeartbeatTimeout > 0 {
		return cfg.HeartbeatTimeout
	}
	return cfg.IdleTimeout
}
