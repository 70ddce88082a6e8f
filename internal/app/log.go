package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"
)

// LogFileName is the name of the log file inside the log directory.
const LogFileName = "wxannual.log"

// runHandler is a slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
//
// Attributes with an empty string value are left out.
type runHandler struct {
	w     io.Writer
	runID string
	level slog.Level
	attrs []slog.Attr
}

func (h *runHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *runHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")

	_, err := fmt.Fprintf(h.w, "%s\t%s\t%s\t%s", ts, r.Level.String(), h.runID, r.Message)
	if err != nil {
		return err
	}

	for _, a := range h.attrs {
		writeAttr(h.w, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(h.w, a)
		return true
	})

	_, err = fmt.Fprintln(h.w)
	return err
}

func writeAttr(w io.Writer, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindString && v.String() == "" {
		return
	}
	fmt.Fprintf(w, "\t%s=%v", a.Key, v)
}

func (h *runHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &runHandler{
		w:     h.w,
		runID: h.runID,
		level: h.level,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *runHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger that writes to logDir/wxannual.log
// and, when stderr is a terminal, mirrors to stderr. It returns the
// slog.Logger and the open log file for cleanup.
func newLogger(logDir, runID string, level slog.Level) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	var w io.Writer = f
	if term.IsTerminal(int(os.Stderr.Fd())) {
		w = io.MultiWriter(f, os.Stderr)
	}
	return slog.New(&runHandler{w: w, runID: runID, level: level}), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the wx.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
