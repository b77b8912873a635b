package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("orch").Info("task %s started", "t-1")

	out := buf.String()
	if !strings.Contains(out, "[orch]") {
		t.Errorf("expected component tag, got: %s", out)
	}
	if !strings.Contains(out, "INFO: task t-1 started") {
		t.Errorf("expected level and message, got: %s", out)
	}
}

func TestDebugRespectsSwitch(t *testing.T) {
	buf := captureOutput(t)
	t.Cleanup(func() { SetDebug(false) })

	logger := NewLogger("hmn")
	SetDebug(false)
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line emitted while disabled: %q", buf.String())
	}

	SetDebug(true)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "DEBUG: visible") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
}

func TestDomainFiltering(t *testing.T) {
	buf := captureOutput(t)
	t.Cleanup(func() { SetDebug(false) })
	SetDebug(true, "orch")

	ctx := WithComponent(context.Background(), "task-7")
	Debug(ctx, "hmn", "dropped")
	Debug(ctx, "orch", "kept %d", 1)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("hmn domain should be filtered: %s", out)
	}
	if !strings.Contains(out, "[task-7]") || !strings.Contains(out, "[orch] kept 1") {
		t.Errorf("expected orch debug line with component, got: %s", out)
	}
}

func TestRecentEntries(t *testing.T) {
	captureOutput(t)
	logger := NewLogger("recent-test")
	for i := 0; i < 5; i++ {
		logger.Warn("entry %d", i)
	}

	entries := Recent("recent-test", 2)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Message != "entry 4" {
		t.Errorf("expected newest entry last, got %q", entries[1].Message)
	}
}

func TestWrap(t *testing.T) {
	captureOutput(t)
	if Wrap(nil, "noop") != nil {
		t.Fatal("Wrap(nil) must return nil")
	}
	base := errors.New("boom")
	err := Wrap(base, "db connect")
	if !errors.Is(err, base) {
		t.Fatal("wrapped error lost its cause")
	}
	if err.Error() != "db connect: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
