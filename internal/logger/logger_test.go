package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_Structural(t *testing.T) {
	var buf bytes.Buffer
	opts := &slog.HandlerOptions{Level: LevelDebug}
	h := NewPrettyHandler(&buf, opts, false)
	l := slog.New(h)

	t.Run("WithAttrs", func(t *testing.T) {
		buf.Reset()
		l2 := l.With("job_id", "abc-123")
		l2.Info("test message", "state", "translating")

		output := buf.String()
		if !strings.Contains(output, "job_id=") || !strings.Contains(output, "abc-123") {
			t.Errorf("output missing persistent attr: %q", output)
		}
		if !strings.Contains(output, "state=") || !strings.Contains(output, "translating") {
			t.Errorf("output missing record attr: %q", output)
		}
	})

	t.Run("WithGroup", func(t *testing.T) {
		buf.Reset()
		l2 := l.WithGroup("limits").With("rpm", 5)
		l2.Info("acquire denied", "window", "requests_per_minute")

		output := buf.String()
		if !strings.Contains(output, "limits.rpm=") || !strings.Contains(output, "5") {
			t.Errorf("output missing grouped persistent attr: %q", output)
		}
		if !strings.Contains(output, "limits.window=") {
			t.Errorf("output missing grouped record attr: %q", output)
		}
	})
}

func TestRedactAttr(t *testing.T) {
	t.Run("KeyBasedRedaction", func(t *testing.T) {
		attr := slog.String("api_key", "sk-1234567890abcdef")
		got := RedactAttr(nil, attr)
		if got.Value.String() != "[REDACTED]" {
			t.Fatalf("expected redaction, got %q", got.Value.String())
		}
	})

	t.Run("DocumentTextRedaction", func(t *testing.T) {
		attr := slog.String("previous_summary", "the tail of the prior chunk")
		got := RedactAttr(nil, attr)
		if got.Value.String() != "[REDACTED]" {
			t.Fatalf("expected redaction, got %q", got.Value.String())
		}
	})

	t.Run("ValuePatternRedaction", func(t *testing.T) {
		attr := slog.String("message", "bearer sk-1234567890abcdef")
		got := RedactAttr(nil, attr)
		if got.Value.String() != "[REDACTED]" {
			t.Fatalf("expected redaction, got %q", got.Value.String())
		}
	})

	t.Run("NonSensitive", func(t *testing.T) {
		attr := slog.String("state", "chunked")
		got := RedactAttr(nil, attr)
		if got.Value.String() != "chunked" {
			t.Fatalf("unexpected redaction: %q", got.Value.String())
		}
	})
}
