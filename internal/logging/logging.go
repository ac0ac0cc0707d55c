// Package logging builds the process logger and guards callback invocations
// against panics.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
)

// New returns a slog logger writing to w. Level is one of debug, info, warn,
// error; format is text or json.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// RecoveryHandler runs functions with panic recovery and logs the stack.
type RecoveryHandler struct {
	Component string
	Logger    *slog.Logger
	OnPanic   func(rec any, stack string)
}

func NewRecoveryHandler(component string, logger *slog.Logger) *RecoveryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryHandler{Component: component, Logger: logger}
}

// Wrap executes fn and reports whether it panicked.
func (r *RecoveryHandler) Wrap(fn func(), attrs ...any) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			r.handlePanic(rec, string(debug.Stack()), attrs)
		}
	}()
	fn()
	return false
}

// WrapError executes fn, turning a panic into an error.
func (r *RecoveryHandler) WrapError(fn func() error, attrs ...any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlePanic(rec, string(debug.Stack()), attrs)
			err = fmt.Errorf("panic in %s: %v", r.Component, rec)
		}
	}()
	return fn()
}

func (r *RecoveryHandler) handlePanic(rec any, stack string, attrs []any) {
	args := append([]any{"component", r.Component, "panic", fmt.Sprint(rec), "stack", stack}, attrs...)
	r.Logger.Error("panic recovered", args...)
	if r.OnPanic != nil {
		r.OnPanic(rec, stack)
	}
}
