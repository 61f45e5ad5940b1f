// Package config loads the demo binary's node configuration from YAML,
// styled on zombar-tunnelmesh/internal/config: plain structs with yaml
// tags, duration fields as strings parsed on load, one LoadX entry point
// per file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the on-disk shape of one replicator-demo node's
// configuration: identity, topology, and the tunables
// tcpreplicator.Config exposes, expressed as YAML-friendly scalars.
type NodeConfig struct {
	LocalIdentifier    uint8    `yaml:"local_identifier"`
	ServerPort         int      `yaml:"server_port"`
	Endpoints          []string `yaml:"endpoints"`
	HeartbeatInterval  string   `yaml:"heartbeat_interval"` // e.g. "5s"
	PacketSize         int      `yaml:"packet_size"`
	MaxEntrySize       int      `yaml:"max_entry_size"`
	ThrottleBitsPerDay int64    `yaml:"throttle_bits_per_day"`
	LogLevel           string   `yaml:"log_level"`
}

// Heartbeat parses HeartbeatInterval, defaulting to 20s if unset or
// unparseable.
func (c NodeConfig) Heartbeat() time.Duration {
	if c.HeartbeatInterval == "" {
		return 20 * time.Second
	}
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return 20 * time.Second
	}
	return d
}

// LoadNodeConfig reads and parses a NodeConfig from a YAML file at path.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
