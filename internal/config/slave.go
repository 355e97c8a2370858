package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SlaveConfig is the full configuration for cmd/rcluster-slave.
type SlaveConfig struct {
	Slave   SlaveInfo   `yaml:"slave"`
	Listen  ListenInfo  `yaml:"listen"`
	TLS     TLSServer   `yaml:"tls"`
	Logging LoggingInfo `yaml:"logging"`
}

// SlaveInfo identifies this slave and, optionally, the masters allowed to
// drive it.
type SlaveInfo struct {
	Name             string   `yaml:"name"`
	AllowedMasterCNs []string `yaml:"allowed_master_cns"`
	// DSCP, if set, names a DSCP class (e.g. "AF41") applied to every
	// accepted connection.
	DSCP string `yaml:"dscp"`
	// MetricsInterval controls how often Status() refreshes its host
	// metrics snapshot. Defaults to 15s when zero.
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	// DiskPath is the filesystem Status() reports disk usage for, typically
	// the root of the tree SendFile writes pushed files under. Defaults to
	// "/" when empty.
	DiskPath string `yaml:"disk_path"`
}

// ListenInfo configures the TCP listen address. The caller lets a non-empty
// ADDRESS environment variable override Addr.
type ListenInfo struct {
	Addr string `yaml:"addr"`
}

// DefaultListenAddr is used when neither config nor the ADDRESS environment
// variable specify one.
const DefaultListenAddr = "0.0.0.0:2753"

// TLSServer holds the mTLS certificate paths used by the slave to accept
// master connections.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// LoadSlaveConfig reads and validates path as a SlaveConfig.
func LoadSlaveConfig(path string) (*SlaveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading slave config: %w", err)
	}

	var cfg SlaveConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing slave config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating slave config: %w", err)
	}

	return &cfg, nil
}

func (c *SlaveConfig) validate() error {
	if c.Slave.Name == "" {
		return fmt.Errorf("slave.name is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.server_cert is required")
	}
	if c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.server_key is required")
	}
	if c.Listen.Addr == "" {
		c.Listen.Addr = DefaultListenAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
