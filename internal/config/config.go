// Package config provides configuration loading and validation for
// relaynode.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flag overrides (applied by cmd/relaynode, not here)
//  2. Environment variables (RELAYNODE_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// All configuration is validated during Load() to surface bind/port
// mistakes as a user-visible error at startup, before the reactor ever
// starts.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const tickIntervalSeconds = 1 // must match reactor.TickInterval

func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAYNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_ip", "0.0.0.0")
	v.SetDefault("server.port", 48099)
	v.SetDefault("server.max_connections", 16)
	v.SetDefault("server.max_bandwidth", 0)
	v.SetDefault("server.max_bandwidth_spike", 0)
	v.SetDefault("server.timeout_seconds", 300)
	v.SetDefault("server.optimize_throughput", true)
	v.SetDefault("server.reject_packets", false)
	v.SetDefault("server.resolver_workers", "auto")

	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.client_ca_file", "")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_host", false)
	v.SetDefault("logging.extra_fields", map[string]string{})
}

func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	loadServerConfig(v, cfg)
	loadTLSConfig(v, cfg)
	loadLoggingConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadServerConfig(v *viper.Viper, cfg *Config) {
	cfg.Server.ListenIP = v.GetString("server.listen_ip")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.MaxConnections = v.GetInt("server.max_connections")
	cfg.Server.MaxBandwidth = v.GetInt64("server.max_bandwidth")
	cfg.Server.MaxBandwidthSpike = v.GetInt64("server.max_bandwidth_spike")
	cfg.Server.TimeoutSeconds = v.GetInt("server.timeout_seconds")
	cfg.Server.OptimizeThroughput = v.GetBool("server.optimize_throughput")
	cfg.Server.RejectPackets = v.GetBool("server.reject_packets")
	cfg.Server.ResolverWorkersRaw = v.GetString("server.resolver_workers")
	cfg.Server.ResolverWorkers = parseWorkers(cfg.Server.ResolverWorkersRaw)
}

func loadTLSConfig(v *viper.Viper, cfg *Config) {
	cfg.TLS.CertFile = v.GetString("tls.cert_file")
	cfg.TLS.KeyFile = v.GetString("tls.key_file")
	cfg.TLS.ClientCAFile = v.GetString("tls.client_ca_file")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludeHost = v.GetBool("logging.include_host")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

// parseWorkers converts the resolver_workers string to a WorkerSetting.
func parseWorkers(raw string) WorkerSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return WorkerSetting{Mode: WorkersAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return WorkerSetting{Mode: WorkersFixed, Value: n}
	}
	return WorkerSetting{Mode: WorkersAuto}
}

// normalizeConfig validates and fills in derived defaults.
func normalizeConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if cfg.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must be >= 0")
	}
	if cfg.Server.MaxBandwidth < 0 {
		return errors.New("server.max_bandwidth must be >= 0")
	}
	if cfg.Server.MaxBandwidthSpike < 0 {
		return errors.New("server.max_bandwidth_spike must be >= 0")
	}
	if cfg.Server.MaxBandwidth > 0 && cfg.Server.MaxBandwidthSpike == 0 {
		cfg.Server.MaxBandwidthSpike = 5 * cfg.Server.MaxBandwidth * tickIntervalSeconds
	}
	if cfg.Server.TimeoutSeconds < 0 {
		return errors.New("server.timeout_seconds must be >= 0")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must both be set or both empty")
	}

	return nil
}
