// Package config loads relaynode configuration using Viper.
// Configuration is loaded from an optional YAML file with automatic
// environment variable overrides.
//
// Environment variables use the RELAYNODE_ prefix and underscore-separated
// keys:
//   - RELAYNODE_SERVER_LISTEN_IP -> server.listen_ip
//   - RELAYNODE_SERVER_MAX_CONNECTIONS -> server.max_connections
//   - RELAYNODE_TLS_CERT_FILE -> tls.cert_file
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how the DNS-resolution worker pool size is chosen.
type WorkersMode int

const (
	// WorkersAuto sizes the pool from the number of usable CPUs.
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses an operator-supplied worker count.
	WorkersFixed
)

// WorkerSetting represents the resolver worker pool configuration.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

// String returns the human-readable form of the worker setting.
func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// ServerConfig holds the listen address, admission-control limits, and
// bandwidth shaping settings for the relay's transport layer.
type ServerConfig struct {
	ListenIP           string        `yaml:"listen_ip"            mapstructure:"listen_ip"`
	Port               int           `yaml:"port"                 mapstructure:"port"`
	MaxConnections     int           `yaml:"max_connections"      mapstructure:"max_connections"`
	MaxBandwidth       int64         `yaml:"max_bandwidth"        mapstructure:"max_bandwidth"`       // bytes/sec, 0 disables
	MaxBandwidthSpike  int64         `yaml:"max_bandwidth_spike"  mapstructure:"max_bandwidth_spike"` // bytes, 0 -> 5x derived
	TimeoutSeconds     int           `yaml:"timeout_seconds"      mapstructure:"timeout_seconds"`
	OptimizeThroughput bool          `yaml:"optimize_throughput"  mapstructure:"optimize_throughput"`
	RejectPackets      bool          `yaml:"reject_packets"       mapstructure:"reject_packets"`
	ResolverWorkersRaw string        `yaml:"resolver_workers"     mapstructure:"resolver_workers"`
	ResolverWorkers    WorkerSetting `yaml:"-"                    mapstructure:"-"`
}

// TLSConfig names the key material used for the mutually authenticated
// MTP transport.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"      mapstructure:"cert_file"`
	KeyFile      string `yaml:"key_file"       mapstructure:"key_file"`
	ClientCAFile string `yaml:"client_ca_file" mapstructure:"client_ca_file"`
}

// LoggingConfig contains logging settings (see internal/logging.Config).
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludeHost      bool              `yaml:"include_host"      mapstructure:"include_host"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"  mapstructure:"server"`
	TLS     TLSConfig     `yaml:"tls"     mapstructure:"tls"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("RELAYNODE_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable
// overrides. Configuration priority (highest to lowest): environment
// variables, config file values, defaults.
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
