package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", "json", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}

	buf.Reset()
	logger, err = New("warn", "text", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	if _, err := New("loud", "text", &buf); err == nil {
		t.Fatalf("expected error for bad level")
	}
	if _, err := New("info", "xml", &buf); err == nil {
		t.Fatalf("expected error for bad format")
	}
}

func TestRecoveryHandlerWrap(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New("info", "text", &buf)
	h := NewRecoveryHandler("callbacks", logger)
	var seen any
	h.OnPanic = func(rec any, _ string) { seen = rec }

	if h.Wrap(func() {}) {
		t.Fatalf("no panic expected")
	}
	if !h.Wrap(func() { panic("boom") }, "activity_id", "a1") {
		t.Fatalf("panic should be reported")
	}
	if seen != "boom" {
		t.Fatalf("OnPanic not called, got %v", seen)
	}
	if !strings.Contains(buf.String(), "activity_id=a1") {
		t.Fatalf("expected attrs in log, got %q", buf.String())
	}

	err := h.WrapError(func() error { panic(errors.New("bad")) })
	if err == nil || !strings.Contains(err.Error(), "panic in callbacks") {
		t.Fatalf("expected panic error, got %v", err)
	}
}
