package config

import (
	"time"

	"github.com/playhouse/playhouse-go/internal/constants"
)

// PlayServer holds all configuration for a play node.
type PlayServer struct {
	// Identity
	NodeId    string `yaml:"node_id"`   // generated when empty
	ServiceId uint16 `yaml:"service_id"`
	LogLevel  string `yaml:"log_level"` // debug|info|warn|error (default: info)

	// Client listeners
	BindAddress string    `yaml:"bind_address"`
	Port        int       `yaml:"port"`    // TCP listener
	WSPort      int       `yaml:"ws_port"` // WebSocket listener, 0 disables
	WSPath      string    `yaml:"ws_path"`
	TLS         TLSConfig `yaml:"tls"`     // applies to both listeners

	// Session lifecycle
	AuthMsgId         string        `yaml:"auth_msg_id"`        // message id that drives authentication (default: "auth")
	AuthTimeout       time.Duration `yaml:"auth_timeout"`       // unauthenticated session expiry (default: 10s)
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // idle probe period, 0 disables (default: 10s)
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`  // silent client disconnect (default: 30s)
	WriteTimeout      time.Duration `yaml:"write_timeout"`      // per-write deadline (default: 5s)
	SendQueueSize     int           `yaml:"send_queue_size"`    // per-session outbox capacity (default: 256)

	// Stages
	DefaultStageType string `yaml:"default_stage_type"` // used when @connect names none
	StageQueueCap    int    `yaml:"stage_queue_cap"`    // per-stage event backlog (default: 2048)

	// Wire
	CompressThreshold int `yaml:"compress_threshold"` // payload bytes before LZ4 kicks in, 0 disables
	MaxPacketSize     int `yaml:"max_packet_size"`

	// Flood protection
	AcceptPerSecond float64 `yaml:"accept_per_second"` // new connections per second, 0 disables
	AcceptBurst     int     `yaml:"accept_burst"`
	MaxConnsPerIP   int     `yaml:"max_conns_per_ip"`  // concurrent sessions per client IP, 0 disables

	// Fabric
	Cluster ClusterConfig `yaml:"cluster"`

	// Admin endpoint
	Admin AdminConfig `yaml:"admin"`
}

// DefaultPlayServer returns PlayServer config with sensible defaults.
func DefaultPlayServer() PlayServer {
	return PlayServer{
		ServiceId:         2,
		LogLevel:          "info",
		BindAddress:       "0.0.0.0",
		Port:              17000,
		WSPort:            17001,
		WSPath:            "/ws",
		AuthMsgId:         "auth",
		AuthTimeout:       10 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		WriteTimeout:      5 * time.Second,
		SendQueueSize:     256,
		StageQueueCap:     2048,
		CompressThreshold: 1024,
		MaxPacketSize:     constants.DefaultMaxPacketSize,
		AcceptPerSecond:   500,
		AcceptBurst:       100,
		MaxConnsPerIP:     50,
		Cluster:           DefaultCluster(),
		Admin:             DefaultAdmin(),
	}
}

// LoadPlayServer loads play server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadPlayServer(path string) (PlayServer, error) {
	cfg := DefaultPlayServer()
	if err := loadInto(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.NodeId == "" {
		cfg.NodeId = GenerateNodeId("play")
	}
	return cfg, nil
}
