package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/coopsync/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "host", cfg.Node.Role)
	assert.Equal(t, 32.0, cfg.Clock.TickMs)
	assert.Equal(t, 5*time.Second, cfg.Net.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.Net.HandshakeTimeout)
	assert.Equal(t, int64(128*1024*1024), cfg.Cache.QuotaBytes)
	assert.Equal(t, uint64(10000), cfg.Ledger.StartingBalance)
	assert.Equal(t, "permissive", cfg.Net.GatePolicy)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coop.yaml")
	body := []byte(`
node:
  peerID: 7
  role: client
  hostURL: ws://127.0.0.1:7777/coop/ws
net:
  gatePolicy: strict
  handshakeTimeout: 3s
cache:
  quotaBytes: 1024
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cfg.Node.PeerID)
	assert.Equal(t, "client", cfg.Node.Role)
	assert.Equal(t, "strict", cfg.Net.GatePolicy)
	assert.Equal(t, 3*time.Second, cfg.Net.HandshakeTimeout)
	assert.Equal(t, int64(1024), cfg.Cache.QuotaBytes)
	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.Pool.Workers)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
