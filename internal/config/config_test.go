package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadNodeConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	contents := `
local_identifier: 3
server_port: 9100
endpoints:
  - 10.0.0.2:9100
  - 10.0.0.3:9100
heartbeat_interval: 2500ms
packet_size: 32768
max_entry_size: 4096
throttle_bits_per_day: 1000000
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint8(3), cfg.LocalIdentifier)
	require.Equal(t, 9100, cfg.ServerPort)
	require.Equal(t, []string{"10.0.0.2:9100", "10.0.0.3:9100"}, cfg.Endpoints)
	require.Equal(t, 2500*time.Millisecond, cfg.Heartbeat())
}

func TestHeartbeatDefaultsWhenUnset(t *testing.T) {
	cfg := &NodeConfig{}
	require.Equal(t, 20*time.Second, cfg.Heartbeat())
}

func TestLoadNodeConfigMissingFile(t *testing.T) {
	_, err := LoadNodeConfig("/nonexistent/path.yaml")
	require.Error(t, err)
}
