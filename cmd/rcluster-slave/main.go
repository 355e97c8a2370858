// Command rcluster-slave runs the cluster worker: it accepts mutually
// authenticated TLS connections from a master and serves MasterPing /
// MasterSendsFile requests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kodeshack/rcluster/internal/config"
	"github.com/kodeshack/rcluster/internal/logging"
	"github.com/kodeshack/rcluster/internal/pki"
	"github.com/kodeshack/rcluster/internal/qos"
	"github.com/kodeshack/rcluster/internal/slave"
)

func main() {
	configPath := flag.String("config", "/etc/rcluster/slave.yaml", "path to slave config file")
	connLogDir := flag.String("conn-log-dir", "", "directory for per-connection log files (optional)")
	flag.Parse()

	cfg, err := config.LoadSlaveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	tlsConf, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		logger.Error("configuring TLS", "error", err)
		os.Exit(1)
	}

	listen := cfg.Listen.Addr
	if env := os.Getenv("ADDRESS"); env != "" {
		listen = env
	}

	dscp, err := qos.ParseDSCP(cfg.Slave.DSCP)
	if err != nil {
		logger.Error("parsing slave.dscp", "error", err)
		os.Exit(1)
	}

	s := slave.New(slave.Config{
		Listen:             listen,
		TLS:                tlsConf,
		AllowedMasterNames: cfg.Slave.AllowedMasterCNs,
		ConnLogDir:         *connLogDir,
		DSCP:               dscp,
		MetricsInterval:    cfg.Slave.MetricsInterval,
		DiskPath:           cfg.Slave.DiskPath,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		logger.Error("slave error", "error", err)
		os.Exit(1)
	}
}
