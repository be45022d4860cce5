package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// NodeEntry describes one peer in the static cluster table.
type NodeEntry struct {
	NodeId    string `yaml:"node_id"`
	ServiceId uint16 `yaml:"service_id"`
	Address   string `yaml:"address"` // host:port of the peer's cluster listener
}

// ClusterConfig holds the node-to-node fabric settings shared by play and
// api servers.
type ClusterConfig struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Static peer table
	Nodes []NodeEntry `yaml:"nodes"`

	// Timeouts / reconnect backoff
	RequestTimeout time.Duration `yaml:"request_timeout"` // pending S2S request expiry (default: 10s)
	DialTimeout    time.Duration `yaml:"dial_timeout"`    // per-attempt connect deadline (default: 5s)
	ReconnectMin   time.Duration `yaml:"reconnect_min"`   // backoff floor (default: 500ms)
	ReconnectMax   time.Duration `yaml:"reconnect_max"`   // backoff ceiling (default: 15s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`   // per-write deadline (default: 5s)
	SendQueueSize  int           `yaml:"send_queue_size"` // per-peer outbox capacity (default: 1024)
}

// DefaultCluster returns ClusterConfig with sensible defaults.
func DefaultCluster() ClusterConfig {
	return ClusterConfig{
		BindAddress:    "0.0.0.0",
		Port:           16000,
		RequestTimeout: 10 * time.Second,
		DialTimeout:    5 * time.Second,
		ReconnectMin:   500 * time.Millisecond,
		ReconnectMax:   15 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendQueueSize:  1024,
	}
}

// TLSConfig enables TLS on a client-facing listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig exposes the debug/metrics HTTP endpoint.
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

// DefaultAdmin returns AdminConfig listening on localhost only.
func DefaultAdmin() AdminConfig {
	return AdminConfig{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        9100,
	}
}

// GenerateNodeId returns prefix plus a short random suffix, used when a
// config leaves node_id empty.
func GenerateNodeId(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// loadInto merges the YAML file at path over cfg. A missing file leaves the
// defaults untouched.
func loadInto(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}
