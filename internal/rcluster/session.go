package rcluster

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
)

// MagicSize is the length, in bytes, of a session's random terminator token.
const MagicSize = 16

// Role identifies which end of a session an endpoint plays.
type Role int

const (
	// RoleInitiator opens a session and generates its magic token.
	RoleInitiator Role = iota
	// RoleResponder accepts a session and receives the magic token.
	RoleResponder
)

// Session owns one mutually authenticated TLS byte stream and its magic
// token. Callers serialize whole protocol operations with Lock/Unlock, so a
// new operation may only begin once the previous one has released the
// session; the frame methods (WriteBytes, ReadFlag, ...) do not lock on their
// own, which lets one operation chain several of them under a single Lock.
type Session struct {
	mu sync.Mutex

	conn  net.Conn
	r     *bufio.Reader
	w     *bufio.Writer
	magic []byte
}

// Open splits conn into buffered read/write halves and performs the magic
// exchange for the given role. As initiator it generates MagicSize random
// bytes and writes them; as responder it reads exactly MagicSize bytes and
// stores them.
func Open(conn net.Conn, role Role) (*Session, error) {
	s := &Session{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}

	switch role {
	case RoleInitiator:
		magic := make([]byte, MagicSize)
		if _, err := rand.Read(magic); err != nil {
			return nil, fmt.Errorf("generating session magic: %w", err)
		}
		s.magic = magic
		if err := s.writeBytesLocked(magic); err != nil {
			return nil, fmt.Errorf("writing session magic: %w", err)
		}
	case RoleResponder:
		magic := make([]byte, MagicSize)
		if _, err := io.ReadFull(s.r, magic); err != nil {
			return nil, fmt.Errorf("reading session magic: %w", err)
		}
		s.magic = magic
	}

	return s, nil
}

// Conn returns the underlying network connection, e.g. for closing it or
// inspecting its TLS state.
func (s *Session) Conn() net.Conn {
	return s.conn
}

// halfCloser is satisfied by *net.TCPConn and *tls.Conn: it half-closes the
// write side of a full-duplex stream without affecting reads.
type halfCloser interface {
	CloseWrite() error
}

// CloseWrite half-closes the session's write side, signalling a clean
// end-of-stream to the peer's read loop while leaving the read side open for
// a trailing handshake. It flushes any buffered bytes first. Returns an
// error if the underlying connection has no half-close (e.g. net.Pipe).
func (s *Session) CloseWrite() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	hc, ok := s.conn.(halfCloser)
	if !ok {
		return fmt.Errorf("rcluster: underlying connection %T does not support half-close", s.conn)
	}
	return hc.CloseWrite()
}

// Magic returns the session's current terminator token.
func (s *Session) Magic() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.magic))
	copy(out, s.magic)
	return out
}

// Reader exposes the buffered read half for use by higher layers (e.g. the
// streamer) while the session's mutex is held by the caller.
func (s *Session) Reader() *bufio.Reader {
	return s.r
}

// Writer exposes the buffered write half for use by higher layers while the
// session's mutex is held by the caller.
func (s *Session) Writer() *bufio.Writer {
	return s.w
}

// Lock acquires exclusive use of the session for the duration of a single
// protocol operation. Callers must call Unlock when done.
func (s *Session) Lock() {
	s.mu.Lock()
}

// Unlock releases exclusive use of the session.
func (s *Session) Unlock() {
	s.mu.Unlock()
}

// WriteBytes writes all of b to the session and flushes.
func (s *Session) WriteBytes(b []byte) error {
	return s.writeBytesLocked(b)
}

func (s *Session) writeBytesLocked(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	return s.w.Flush()
}

// WriteMagic writes the session's current magic token.
func (s *Session) WriteMagic() error {
	return s.WriteBytes(s.magic)
}

// ReadMagic reads exactly MagicSize bytes and replaces the stored magic with
// the value read.
func (s *Session) ReadMagic() error {
	buf := make([]byte, MagicSize)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return err
	}
	s.magic = buf
	return nil
}

// WriteFlag writes a single flag byte and flushes.
func (s *Session) WriteFlag(f Flag) error {
	return s.WriteBytes([]byte{byte(f)})
}

// ReadFlag reads a single byte and validates it against the flag enumeration.
func (s *Session) ReadFlag() (Flag, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return 0, err
	}
	return parseFlag(buf[0])
}
