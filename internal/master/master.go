// Package master implements the cluster controller: a client that owns a
// table of live outgoing sessions to slaves, indexed by small stable
// integer IDs, and drives ping / send-file operations against them.
package master

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/kodeshack/rcluster/internal/qos"
	"github.com/kodeshack/rcluster/internal/rcluster"
)

// slaveSlot holds one connection record. A nil Session means the slot's
// session is temporarily checked out for an in-flight operation.
type slaveSlot struct {
	Addr    string
	Session *rcluster.Session
}

// SlaveStatus is a snapshot of one connection record, as returned by List.
type SlaveStatus struct {
	ID        int
	Addr      string
	Connected bool
}

// Master owns the connection table. The zero value is not usable; construct
// with New.
type Master struct {
	mu      sync.Mutex
	slots   []*slaveSlot
	tlsConf *tls.Config
	dialer  net.Dialer
	logger  *slog.Logger
	// dscp is the DSCP code point applied to every dialed connection, 0
	// meaning no marking.
	dscp int
}

// New builds a Master that dials slaves using tlsConf. tlsConf.ServerName is
// expected to already be set to the slave host the certificate chain should
// be verified against; callers dialing multiple slave hosts should clone the
// config per AddSlave call with the right ServerName. Logs go nowhere until
// WithLogger is also called.
func New(tlsConf *tls.Config) *Master {
	return &Master{tlsConf: tlsConf, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithDSCP sets the DSCP code point applied to connections dialed by
// AddSlave, for prioritizing control traffic on networks that honor it.
func (m *Master) WithDSCP(dscp int) *Master {
	m.dscp = dscp
	return m
}

// WithLogger sets the logger Master uses for conditions worth recording but
// not worth failing an operation over, such as a Ping ack flag other than
// SlaveOk.
func (m *Master) WithLogger(logger *slog.Logger) *Master {
	m.logger = logger
	return m
}

// AddSlave dials addr, performs the TLS client handshake and the initiator
// magic exchange, and appends a new connection record. It returns the new
// record's stable ID.
func (m *Master) AddSlave(ctx context.Context, addr string) (int, error) {
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("%w: dialing %s: %v", rcluster.ErrIO, addr, err)
	}

	if err := qos.Apply(conn, m.dscp); err != nil {
		conn.Close()
		return 0, fmt.Errorf("%w: applying DSCP to %s: %v", rcluster.ErrIO, addr, err)
	}

	tlsConn := tls.Client(conn, m.tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return 0, fmt.Errorf("%w: TLS handshake with %s: %v", rcluster.ErrIO, addr, err)
	}

	session, err := rcluster.Open(tlsConn, rcluster.RoleInitiator)
	if err != nil {
		tlsConn.Close()
		return 0, fmt.Errorf("%w: opening session with %s: %v", rcluster.ErrIO, addr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := len(m.slots)
	m.slots = append(m.slots, &slaveSlot{Addr: addr, Session: session})
	return id, nil
}

// checkout removes the session from slot id for the duration of an
// operation; the caller must call restore (typically via defer) once the
// operation ends, which puts it back only if the operation completed.
func (m *Master) checkout(id int) (*slaveSlot, *rcluster.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || id >= len(m.slots) {
		return nil, nil, rcluster.ErrInvalidConnectionID
	}
	slot := m.slots[id]
	if slot.Session == nil {
		return nil, nil, fmt.Errorf("%w: connection unavailable", rcluster.ErrInvalidConnectionID)
	}

	session := slot.Session
	slot.Session = nil
	return slot, session, nil
}

// restore ends an operation on a checked-out session. If *completed is true
// the session goes back into its slot. Otherwise (an error, or a panic
// unwinding through the caller's defer) the session is dropped: its
// connection is closed and the slot stays empty, so later calls for that ID
// fail with ErrInvalidConnectionID.
func (m *Master) restore(slot *slaveSlot, session *rcluster.Session, completed *bool) {
	if !*completed {
		session.Conn().Close()
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	slot.Session = session
}

// Ping writes a MasterPing flag and reads back the slave's response. An ack
// flag other than SlaveOk is logged as a warning, not treated as a failure —
// only a transport error fails the ping.
func (m *Master) Ping(ctx context.Context, id int) error {
	slot, session, err := m.checkout(id)
	if err != nil {
		return err
	}
	completed := false
	defer m.restore(slot, session, &completed)

	session.Lock()
	defer session.Unlock()

	if err := session.WriteFlag(rcluster.MasterPing); err != nil {
		return fmt.Errorf("%w: writing ping flag: %v", rcluster.ErrIO, err)
	}
	if err := session.ReadMagic(); err != nil {
		return fmt.Errorf("%w: reading ping ack magic: %v", rcluster.ErrIO, err)
	}
	ack, err := session.ReadFlag()
	if err != nil {
		return fmt.Errorf("%w: reading ping ack flag: %v", rcluster.ErrIO, err)
	}
	if ack != rcluster.SlaveOk {
		m.logger.Warn("ping ack flag unexpected", "slave_id", id, "flag", ack.String())
	}
	completed = true
	return nil
}

// SendFile pushes the filesystem subtree at srcPath to dstPath on the slave
// identified by id.
func (m *Master) SendFile(ctx context.Context, id int, srcPath, dstPath string) error {
	slot, session, err := m.checkout(id)
	if err != nil {
		return err
	}
	completed := false
	defer m.restore(slot, session, &completed)

	session.Lock()
	defer session.Unlock()

	if err := session.WriteFlag(rcluster.MasterSendsFile); err != nil {
		return fmt.Errorf("%w: writing send-file flag: %v", rcluster.ErrIO, err)
	}
	if err := rcluster.SendTree(session, srcPath, dstPath); err != nil {
		return err
	}
	completed = true
	return nil
}

// Conn returns the live session for id without checking it out, intended
// for read-only inspection (e.g. the TLS peer certificate). It fails with
// ErrInvalidConnectionID when id is out of range or currently checked out.
func (m *Master) Conn(id int) (*rcluster.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || id >= len(m.slots) {
		return nil, rcluster.ErrInvalidConnectionID
	}
	slot := m.slots[id]
	if slot.Session == nil {
		return nil, fmt.Errorf("%w: connection unavailable", rcluster.ErrInvalidConnectionID)
	}
	return slot.Session, nil
}

// List returns a snapshot of every connection record in insertion order.
func (m *Master) List() []SlaveStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SlaveStatus, len(m.slots))
	for i, slot := range m.slots {
		out[i] = SlaveStatus{ID: i, Addr: slot.Addr, Connected: slot.Session != nil}
	}
	return out
}
