package rcluster

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestOpen_MagicMatchesBetweenInitiatorAndResponder(t *testing.T) {
	initConn, respConn := pipeConns(t)

	initDone := make(chan *Session, 1)
	initErr := make(chan error, 1)
	go func() {
		s, err := Open(initConn, RoleInitiator)
		initDone <- s
		initErr <- err
	}()

	resp, err := Open(respConn, RoleResponder)
	require.NoError(t, err)

	init := <-initDone
	require.NoError(t, <-initErr)

	require.Equal(t, init.Magic(), resp.Magic())
	require.Len(t, resp.Magic(), MagicSize)
}

func TestFlagRoundTrip(t *testing.T) {
	initConn, respConn := pipeConns(t)

	resp := make(chan *Session, 1)
	go func() {
		s, _ := Open(respConn, RoleResponder)
		resp <- s
	}()
	init, err := Open(initConn, RoleInitiator)
	require.NoError(t, err)
	respSession := <-resp

	for _, f := range []Flag{MasterPing, SlaveOk, MasterWantsFile, MasterSendsFile, MasterWantsExecution} {
		writeErr := make(chan error, 1)
		go func(f Flag) { writeErr <- init.WriteFlag(f) }(f)

		got, err := respSession.ReadFlag()
		require.NoError(t, err)
		require.NoError(t, <-writeErr)
		require.Equal(t, f, got)
	}
}

func TestReadFlag_UnknownFlagFails(t *testing.T) {
	initConn, respConn := pipeConns(t)

	resp := make(chan *Session, 1)
	go func() {
		s, _ := Open(respConn, RoleResponder)
		resp <- s
	}()
	init, err := Open(initConn, RoleInitiator)
	require.NoError(t, err)
	respSession := <-resp

	writeErr := make(chan error, 1)
	go func() { writeErr <- init.WriteBytes([]byte{0x7F}) }()

	_, err = respSession.ReadFlag()
	require.ErrorIs(t, err, ErrUnknownFlag)
	require.NoError(t, <-writeErr)
}
