package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMasterConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
master:
  name: ctrl-1
tls:
  ca_cert: /etc/rcluster/ca.pem
  client_cert: /etc/rcluster/master.pem
  client_key: /etc/rcluster/master-key.pem
slaves:
  - name: worker-1
    addr: 10.0.0.1:2753
`)

	cfg, err := LoadMasterConfig(path)
	require.NoError(t, err)
	require.Equal(t, "ctrl-1", cfg.Master.Name)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)

	target, ok := cfg.FindSlave("worker-1")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:2753", target.Addr)

	_, ok = cfg.FindSlave("missing")
	require.False(t, ok)
}

func TestLoadMasterConfig_MissingTLSPaths(t *testing.T) {
	path := writeConfig(t, `
master:
  name: ctrl-1
`)

	_, err := LoadMasterConfig(path)
	require.Error(t, err)
}

func TestLoadMasterConfig_SlaveMissingFields(t *testing.T) {
	path := writeConfig(t, `
master:
  name: ctrl-1
tls:
  ca_cert: ca.pem
  client_cert: client.pem
  client_key: client-key.pem
slaves:
  - name: ""
    addr: 10.0.0.1:2753
`)

	_, err := LoadMasterConfig(path)
	require.Error(t, err)
}
