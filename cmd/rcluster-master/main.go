// Command rcluster-master drives a cluster of slaves: ping them, push file
// trees to them, and report on their reachability.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/kodeshack/rcluster/internal/config"
	"github.com/kodeshack/rcluster/internal/logging"
	"github.com/kodeshack/rcluster/internal/master"
	"github.com/kodeshack/rcluster/internal/pki"
	"github.com/kodeshack/rcluster/internal/qos"
)

func main() {
	// Subcommands are detected via os.Args before flag.Parse, each with its
	// own FlagSet.
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "list":
			runList(os.Args[2:])
			return
		case "health":
			runHealth(os.Args[2:])
			return
		case "send":
			runSend(os.Args[2:])
			return
		}
	}

	configPath := flag.String("config", "/etc/rcluster/master.yaml", "path to master config file")
	ping := flag.Bool("ping", false, "ping the named slave")
	flag.BoolVar(ping, "p", false, "ping the named slave (shorthand)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "ERROR: a slave name argument is required")
		os.Exit(1)
	}
	slaveName := flag.Arg(0)

	cfg, tlsConf, logger, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	target, ok := cfg.FindSlave(slaveName)
	if !ok {
		fmt.Fprintf(os.Stderr, "ERROR: slave %q not found in config\n", slaveName)
		os.Exit(1)
	}

	ctx := context.Background()
	m, err := newMaster(cfg, tlsConf, target, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	id, err := m.AddSlave(ctx, target.Addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: connecting to %s: %v\n", target.Addr, err)
		os.Exit(1)
	}

	if *ping {
		if err := m.Ping(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: ping failed: %v\n", err)
			os.Exit(1)
		}
		logger.Info("ping ok", "slave", slaveName)
	}
}

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "/etc/rcluster/master.yaml", "path to master config file")
	from := fs.String("from", "", "source path to push")
	to := fs.String("to", "", "destination path on the slave")
	fs.Parse(args)

	if fs.NArg() < 1 || *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "ERROR: usage: rcluster-master send --from <src> --to <dst> <slave-name>")
		os.Exit(1)
	}
	slaveName := fs.Arg(0)

	cfg, tlsConf, logger, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	target, ok := cfg.FindSlave(slaveName)
	if !ok {
		fmt.Fprintf(os.Stderr, "ERROR: slave %q not found in config\n", slaveName)
		os.Exit(1)
	}

	ctx := context.Background()
	m, err := newMaster(cfg, tlsConf, target, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	id, err := m.AddSlave(ctx, target.Addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: connecting to %s: %v\n", target.Addr, err)
		os.Exit(1)
	}

	if err := m.SendFile(ctx, id, *from, *to); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: push failed: %v\n", err)
		os.Exit(1)
	}
	logger.Info("push complete", "slave", slaveName, "from", *from, "to", *to)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "/etc/rcluster/master.yaml", "path to master config file")
	fs.Parse(args)

	cfg, err := config.LoadMasterConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	for _, s := range cfg.Slaves {
		fmt.Printf("%s\t%s\n", s.Name, s.Addr)
	}
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "/etc/rcluster/master.yaml", "path to master config file")
	fs.Parse(args)

	cfg, tlsConf, logger, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	failed := false
	for _, target := range cfg.Slaves {
		m, err := newMaster(cfg, tlsConf, target, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}

		id, err := m.AddSlave(ctx, target.Addr)
		if err != nil {
			logger.Error("unreachable", "slave", target.Name, "addr", target.Addr, "error", err)
			failed = true
			continue
		}
		if err := m.Ping(ctx, id); err != nil {
			logger.Error("ping failed", "slave", target.Name, "addr", target.Addr, "error", err)
			failed = true
			continue
		}
		logger.Info("reachable", "slave", target.Name, "addr", target.Addr)
	}

	if failed {
		os.Exit(1)
	}
}

// setup loads the master config and builds the base client TLS configuration
// shared by every dial; each call site clones it with dialTLSConfig to set
// the ServerName for the specific slave being dialed.
func setup(configPath string) (*config.MasterConfig, *tls.Config, *slog.Logger, error) {
	cfg, err := config.LoadMasterConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, _ := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")

	tlsConf, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey, "")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configuring TLS: %w", err)
	}

	return cfg, tlsConf, logger, nil
}

// newMaster builds a Master dialing target with base's TLS settings and
// cfg's configured DSCP marking.
func newMaster(cfg *config.MasterConfig, base *tls.Config, target config.SlaveTarget, logger *slog.Logger) (*master.Master, error) {
	dscp, err := qos.ParseDSCP(cfg.Master.DSCP)
	if err != nil {
		return nil, fmt.Errorf("parsing master.dscp: %w", err)
	}
	return master.New(dialTLSConfig(base, target)).WithDSCP(dscp).WithLogger(logger), nil
}

// dialTLSConfig clones base and sets the ServerName to verify the target's
// certificate against: the target's explicit override, or else the host
// portion of its address.
func dialTLSConfig(base *tls.Config, target config.SlaveTarget) *tls.Config {
	conf := base.Clone()
	if target.ServerName != "" {
		conf.ServerName = target.ServerName
		return conf
	}
	host, _, err := net.SplitHostPort(target.Addr)
	if err != nil {
		host = target.Addr
	}
	conf.ServerName = host
	return conf
}
