// Package config loads per-role configuration (coordinator, storage
// node, client) from an optional YAML file plus environment overrides,
// the same viper-backed "defaults, then file, then env" layering the
// original single-role AppConfig used.
package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// CoordinatorConfig holds every tunable the control plane needs.
type CoordinatorConfig struct {
	ListenAddr              string        `mapstructure:"listen_addr"`
	HeartbeatFailureTimeout time.Duration `mapstructure:"heartbeat_failure_timeout"`
	HealthTickInterval      time.Duration `mapstructure:"health_tick_interval"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	DefaultReplication      int           `mapstructure:"default_replication"`
	PlacementStrategy       string        `mapstructure:"placement_strategy"`
	JournalPath             string        `mapstructure:"journal_path"`
	StaleChunkGrace         time.Duration `mapstructure:"stale_chunk_grace"`
	Debug                   bool          `mapstructure:"debug"`
}

// NodeConfig holds every tunable a storage node needs.
type NodeConfig struct {
	NodeID              string        `mapstructure:"node_id"`
	ListenAddr          string        `mapstructure:"listen_addr"`
	StoragePath         string        `mapstructure:"storage_path"`
	CapacityBytes       int64         `mapstructure:"capacity_bytes"`
	BandwidthBitsPerSec int64         `mapstructure:"bandwidth_bits_per_sec"`
	CoordinatorAddr     string        `mapstructure:"coordinator_addr"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	Compress            bool          `mapstructure:"compress"`
	Debug               bool          `mapstructure:"debug"`
}

// ClientConfig holds every tunable the CLI client needs.
type ClientConfig struct {
	CoordinatorAddr string `mapstructure:"coordinator_addr"`
	Replication     int    `mapstructure:"replication"`
	Debug           bool   `mapstructure:"debug"`
}

// LoadCoordinatorConfig reads coordinator.yaml (if present) from path,
// layering spec.md §4's stated defaults underneath it and environment
// variables on top.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	v := newViper("coordinator", path)
	v.SetDefault("listen_addr", "0.0.0.0:9000")
	v.SetDefault("heartbeat_failure_timeout", 30*time.Second)
	v.SetDefault("health_tick_interval", time.Second)
	v.SetDefault("sweep_interval", 60*time.Second)
	v.SetDefault("default_replication", 3)
	v.SetDefault("placement_strategy", "diverse")
	v.SetDefault("journal_path", "")
	v.SetDefault("stale_chunk_grace", 2*time.Minute)
	v.SetDefault("debug", false)

	warnIfUnreadable(v, "coordinator")

	var cfg CoordinatorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode coordinator config: %w", err)
	}
	return &cfg, nil
}

// LoadNodeConfig reads node.yaml (if present) from path.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	v := newViper("node", path)
	v.SetDefault("node_id", "")
	v.SetDefault("listen_addr", "0.0.0.0:9100")
	v.SetDefault("storage_path", "./data")
	v.SetDefault("capacity_bytes", int64(10)<<30) // 10 GiB
	v.SetDefault("bandwidth_bits_per_sec", int64(100)<<20)
	v.SetDefault("coordinator_addr", "127.0.0.1:9000")
	v.SetDefault("heartbeat_interval", 3*time.Second)
	v.SetDefault("compress", false)
	v.SetDefault("debug", false)

	warnIfUnreadable(v, "node")

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode node config: %w", err)
	}
	return &cfg, nil
}

// LoadClientConfig reads client.yaml (if present) from path.
func LoadClientConfig(path string) (*ClientConfig, error) {
	v := newViper("client", path)
	v.SetDefault("coordinator_addr", "127.0.0.1:9000")
	v.SetDefault("replication", 3)
	v.SetDefault("debug", false)

	warnIfUnreadable(v, "client")

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode client config: %w", err)
	}
	return &cfg, nil
}

func newViper(name, path string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AutomaticEnv()
	return v
}

func warnIfUnreadable(v *viper.Viper, role string) {
	if err := v.ReadInConfig(); err != nil {
		logrus.WithError(err).WithField("role", role).Debug("no config file found, using defaults and env overrides")
	}
}
