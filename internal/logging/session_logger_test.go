package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenConnectionLogger_Disabled(t *testing.T) {
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cl := OpenConnectionLogger(base, "", "10.0.0.1:5555", "1")
	defer cl.Close()

	require.Contains(t, baseBuf.String(), "connection opened")
}

func TestConnectionLogger_WritesToFileAndBase(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cl := OpenConnectionLogger(base, dir, "10.0.0.1:5555", "1")

	cl.Request(1, "MasterPing", time.Now().Add(-time.Millisecond), nil)
	cl.Request(2, "MasterSendsFile", time.Now().Add(-time.Millisecond), errors.New("disk full"))
	require.NoError(t, cl.Close())

	logPath := filepath.Join(dir, "10.0.0.1:5555", "1.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)

	require.Contains(t, content, "connection opened")
	require.Contains(t, content, "request served")
	require.Contains(t, content, "MasterPing")
	require.Contains(t, content, "request failed")
	require.Contains(t, content, "disk full")
	require.Contains(t, content, "connection closed")

	baseContent := baseBuf.String()
	require.Contains(t, baseContent, "request served")
	require.Contains(t, baseContent, "request failed")
}

func TestConnectionLogger_Reject(t *testing.T) {
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cl := OpenConnectionLogger(base, "", "10.0.0.1:5555", "1")
	cl.Reject(1, "Unknown", "unrecognized flag byte")
	require.NoError(t, cl.Close())

	require.Contains(t, baseBuf.String(), "request rejected")
	require.Contains(t, baseBuf.String(), "unrecognized flag byte")
}

func TestOpenConnectionLogger_InvalidLogDirFallsBackToBase(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// A file where a directory is expected makes MkdirAll fail; the
	// connection must still get a working logger instead of a nil one.
	blocked := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0644))

	cl := OpenConnectionLogger(base, blocked, "10.0.0.1:5555", "1")
	require.NotNil(t, cl)
	cl.Request(1, "MasterPing", time.Now(), nil)
	require.NoError(t, cl.Close())
}
