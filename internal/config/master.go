// Package config loads and validates the YAML configuration files read by
// the master and slave processes at startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MasterConfig is the full configuration for cmd/rcluster-master.
type MasterConfig struct {
	Master  MasterInfo    `yaml:"master"`
	TLS     TLSClient     `yaml:"tls"`
	Slaves  []SlaveTarget `yaml:"slaves"`
	Logging LoggingInfo   `yaml:"logging"`
}

// MasterInfo identifies the master for logging purposes.
type MasterInfo struct {
	Name string `yaml:"name"`
	// DSCP, if set, names a DSCP class (e.g. "AF41") applied to every
	// connection the master dials.
	DSCP string `yaml:"dscp"`
}

// TLSClient holds the mTLS certificate paths used by the master to dial
// slaves.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// SlaveTarget is one statically configured slave the master can address by
// name from the CLI, analogous to the distilled protocol's socket-address
// argument but resolved through config instead of retyped every invocation.
type SlaveTarget struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
	// ServerName overrides the TLS verification name for this slave; if
	// empty, the host portion of Addr is used.
	ServerName string `yaml:"server_name"`
}

// LoggingInfo configures the log/slog handler.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadMasterConfig reads and validates path as a MasterConfig.
func LoadMasterConfig(path string) (*MasterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading master config: %w", err)
	}

	var cfg MasterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing master config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating master config: %w", err)
	}

	return &cfg, nil
}

func (c *MasterConfig) validate() error {
	if c.Master.Name == "" {
		return fmt.Errorf("master.name is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ClientCert == "" {
		return fmt.Errorf("tls.client_cert is required")
	}
	if c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.client_key is required")
	}
	for i, s := range c.Slaves {
		if s.Name == "" {
			return fmt.Errorf("slaves[%d].name is required", i)
		}
		if s.Addr == "" {
			return fmt.Errorf("slaves[%d].addr is required", i)
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// FindSlave returns the configured slave target with the given name.
func (c *MasterConfig) FindSlave(name string) (SlaveTarget, bool) {
	for _, s := range c.Slaves {
		if s.Name == name {
			return s, true
		}
	}
	return SlaveTarget{}, false
}
