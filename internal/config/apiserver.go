package config

import (
	"time"

	"github.com/playhouse/playhouse-go/internal/constants"
)

// ApiServer holds all configuration for an api node.
type ApiServer struct {
	// Identity
	NodeId    string `yaml:"node_id"`   // generated when empty
	ServiceId uint16 `yaml:"service_id"`
	LogLevel  string `yaml:"log_level"` // debug|info|warn|error (default: info)

	// Dispatch
	Workers       int           `yaml:"workers"`        // concurrent handler goroutines (default: 64)
	HandleTimeout time.Duration `yaml:"handle_timeout"` // per-message handler deadline, 0 disables

	// Wire
	CompressThreshold int `yaml:"compress_threshold"`
	MaxPacketSize     int `yaml:"max_packet_size"`

	// Fabric
	Cluster ClusterConfig `yaml:"cluster"`

	// Admin endpoint
	Admin AdminConfig `yaml:"admin"`
}

// DefaultApiServer returns ApiServer config with sensible defaults.
func DefaultApiServer() ApiServer {
	cluster := DefaultCluster()
	cluster.Port = 16100

	admin := DefaultAdmin()
	admin.Port = 9101

	return ApiServer{
		ServiceId:         1,
		LogLevel:          "info",
		Workers:           64,
		CompressThreshold: 1024,
		MaxPacketSize:     constants.DefaultMaxPacketSize,
		Cluster:           cluster,
		Admin:             admin,
	}
}

// LoadApiServer loads api server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadApiServer(path string) (ApiServer, error) {
	cfg := DefaultApiServer()
	if err := loadInto(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.NodeId == "" {
		cfg.NodeId = GenerateNodeId("api")
	}
	return cfg, nil
}
