package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by ConnectionLogger to write simultaneously to the global
// handler and a connection's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's Enabled() individually before dispatching, so a
	// DEBUG record isn't sent to a primary handler that only accepts INFO.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the connection file must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// ConnectionLogger owns the log sink for one accepted slave connection across
// every request served on it, since a single connection may carry several
// requests back to back (e.g. a ping followed later by a file push) before it
// closes. It logs when the connection opens and closes and, per request, its
// flag, outcome, and how long it took — bookkeeping handleConnection would
// otherwise have to repeat at every call site.
//
// If connLogDir is non-empty, records also fan out to a dedicated file at
// {connLogDir}/{remote}/{connID}.log, opened for the lifetime of the
// connection rather than reopened per request.
type ConnectionLogger struct {
	logger *slog.Logger
	closer io.Closer
}

// OpenConnectionLogger builds a ConnectionLogger for a newly accepted
// connection from remote and logs that it opened. connID distinguishes this
// connection's log file from others accepted from the same remote address.
func OpenConnectionLogger(baseLogger *slog.Logger, connLogDir, remote, connID string) *ConnectionLogger {
	logger := baseLogger.With("remote", remote, "conn", connID)
	var closer io.Closer = io.NopCloser(nil)

	if connLogDir != "" {
		f, err := openConnLogFile(connLogDir, remote, connID)
		if err != nil {
			baseLogger.Error("opening connection log file", "remote", remote, "conn", connID, "error", err)
		} else {
			fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
			logger = slog.New(&fanOutHandler{primary: logger.Handler(), secondary: fileHandler})
			closer = f
		}
	}

	logger.Info("connection opened")
	return &ConnectionLogger{logger: logger, closer: closer}
}

func openConnLogFile(connLogDir, remote, connID string) (*os.File, error) {
	dir := filepath.Join(connLogDir, remote)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating connection log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, connID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening connection log file %s: %w", logPath, err)
	}
	return f, nil
}

// Request logs the outcome of the requestNum'th request served on this
// connection: success at Info, failure at Error, both tagged with the flag
// that was served and how long it took.
func (c *ConnectionLogger) Request(requestNum int, flag string, start time.Time, err error) {
	logger := c.logger.With("request", requestNum, "flag", flag, "duration", time.Since(start))
	if err != nil {
		logger.Error("request failed", "error", err)
		return
	}
	logger.Info("request served")
}

// Reject logs that the requestNum'th request was refused without being
// served — an unknown or not-yet-implemented flag — and that the connection
// is being closed as a result.
func (c *ConnectionLogger) Reject(requestNum int, flag, reason string) {
	c.logger.With("request", requestNum, "flag", flag).Warn("request rejected, closing connection", "reason", reason)
}

// Close logs that the connection closed and releases its dedicated log file,
// if one was opened.
func (c *ConnectionLogger) Close() error {
	c.logger.Info("connection closed")
	return c.closer.Close()
}
