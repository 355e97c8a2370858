// Package slave implements the cluster worker: a TLS server that accepts
// connections from a master and serves each request flag read off a
// connection until the connection ends, dispatching each to the
// corresponding handler.
package slave

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kodeshack/rcluster/internal/logging"
	"github.com/kodeshack/rcluster/internal/qos"
	"github.com/kodeshack/rcluster/internal/rcluster"
)

// Slave accepts and serves master connections on a single TLS listener.
type Slave struct {
	cfg     Config
	logger  *slog.Logger
	monitor *systemMonitor

	connCount atomic.Int64
	connSeq   atomic.Int64
}

// Status is a snapshot of the slave's health, returned by Status for the
// ambient health surface.
type Status struct {
	ConnectionsServed int64
	CPUPercent        float64
	MemoryPercent     float64
	DiskUsagePercent  float64
	LoadAverage       float64
}

// Config carries what the slave needs to listen and authenticate peers.
type Config struct {
	Listen  string
	TLS     *tls.Config
	// AllowedMasterNames, if non-empty, restricts the accepted peer
	// certificate CommonName to this set; a mismatch is logged, not fatal,
	// since the wire protocol carries no identity field of its own.
	AllowedMasterNames []string
	// ConnLogDir, if non-empty, makes every handled connection also log to
	// its own dedicated file under ConnLogDir/<remote-addr>/<conn-id>.log.
	ConnLogDir string
	// DSCP, if non-zero, is applied as a traffic class marking to every
	// accepted connection.
	DSCP int
	// MetricsInterval controls how often Status() refreshes its host
	// metrics snapshot; it defaults to 15 seconds when zero.
	MetricsInterval time.Duration
	// DiskPath is the filesystem Status() reports disk usage for — the
	// destination trees SendFile writes into, not necessarily "/".
	// Defaults to "/" when empty.
	DiskPath string
}

// New builds a Slave ready to Run.
func New(cfg Config, logger *slog.Logger) *Slave {
	return &Slave{cfg: cfg, logger: logger, monitor: newSystemMonitor(logger, cfg.MetricsInterval, cfg.DiskPath)}
}

// Run listens on cfg.Listen and serves connections until ctx is cancelled.
// Each accepted connection is handled on its own goroutine; a failure on one
// connection never affects another. Repeated Accept errors are handled with
// an increasing, capped backoff instead of a hot loop.
func (s *Slave) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.cfg.Listen, s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %v", rcluster.ErrIO, s.cfg.Listen, err)
	}
	defer ln.Close()

	s.logger.Info("slave listening", "address", s.cfg.Listen)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down slave")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.logger.Info("slave shutdown complete")
				return nil
			default:
				consecutiveErrors++
				s.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		if err := qos.Apply(conn, s.cfg.DSCP); err != nil {
			s.logger.Warn("applying DSCP to accepted connection", "remote", conn.RemoteAddr().String(), "error", err)
		}
		go s.handleConnection(conn)
	}
}

// handleConnection serves requests off one accepted connection until the
// peer's read loop ends (EOF, error, or an unknown/unimplemented flag), then
// closes it. A master may issue several requests back to back on the same
// connection — e.g. a Ping followed later by a SendFile — as long as none of
// them has half-closed the stream. One ConnectionLogger lives for the whole
// connection, so its log file carries every request served on it rather than
// one file per request.
func (s *Slave) handleConnection(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	session, err := rcluster.Open(conn, rcluster.RoleResponder)
	if err != nil {
		s.logger.Error("opening session", "remote", remote, "error", err)
		return
	}

	s.checkPeerIdentity(conn, remote)

	connID := strconv.FormatInt(s.connSeq.Add(1), 10)
	connLogger := logging.OpenConnectionLogger(s.logger, s.cfg.ConnLogDir, remote, connID)
	defer connLogger.Close()

	for requestNum := 1; s.handleRequest(session, connLogger, requestNum); requestNum++ {
	}
}

// handleRequest serves a single request flag and reports whether the
// connection should stay open for another one.
func (s *Slave) handleRequest(session *rcluster.Session, connLogger *logging.ConnectionLogger, requestNum int) bool {
	flag, err := session.ReadFlag()
	if err != nil {
		if errors.Is(err, rcluster.ErrUnknownFlag) {
			connLogger.Reject(requestNum, "Unknown", "unrecognized flag")
		}
		return false
	}
	s.connCount.Add(1)
	start := time.Now()

	switch flag {
	case rcluster.MasterPing:
		err := session.WriteMagic()
		if err == nil {
			err = session.WriteFlag(rcluster.SlaveOk)
		}
		connLogger.Request(requestNum, flag.String(), start, err)
		return err == nil
	case rcluster.MasterSendsFile:
		err := rcluster.ReceiveTree(session)
		connLogger.Request(requestNum, flag.String(), start, err)
		return err == nil
	case rcluster.MasterWantsFile, rcluster.MasterWantsExecution:
		connLogger.Reject(requestNum, flag.String(), "not yet implemented")
		return false
	default:
		connLogger.Reject(requestNum, flag.String(), "unrecognized flag")
		return false
	}
}

// checkPeerIdentity compares the TLS peer certificate's CommonName against
// the configured allow-list. A mismatch is logged only: the wire protocol
// has no identity field, so this is defense-in-depth, not an enforcement
// point.
func (s *Slave) checkPeerIdentity(conn net.Conn, remote string) {
	if len(s.cfg.AllowedMasterNames) == 0 {
		return
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	for _, allowed := range s.cfg.AllowedMasterNames {
		if cn == allowed {
			return
		}
	}
	s.logger.Warn("peer certificate CommonName not in allow-list", "remote", remote, "common_name", cn)
}

// ConnectionCount returns the number of requests dispatched so far, for the
// ambient health/status surface.
func (s *Slave) ConnectionCount() int64 {
	return s.connCount.Load()
}

// Status returns a snapshot combining connection accounting with the latest
// host metrics collected by the system monitor.
func (s *Slave) Status() Status {
	stats := s.monitor.Stats()
	return Status{
		ConnectionsServed: s.connCount.Load(),
		CPUPercent:        stats.CPUPercent,
		MemoryPercent:     stats.MemoryPercent,
		DiskUsagePercent:  stats.DiskUsagePercent,
		LoadAverage:       stats.LoadAverage,
	}
}
