package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentIsAttached(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelInfo, Output: &buf}).WithComponent(ComponentLedger)
	l.InfoContext(context.Background(), "batch recorded", FieldTxCount, 2)

	out := buf.String()
	if !strings.Contains(out, "component=ledger") || !strings.Contains(out, "transaction_count=2") {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelWarn, Output: &buf})
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestFromContextFallsBack(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}
	l := New(DefaultConfig())
	if FromContext(IntoContext(context.Background(), l)) != l {
		t.Fatal("expected logger from context")
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	sl := NewStructuredLogger(New(Config{Output: &buf}))
	sl.LogError(context.Background(), "finalize failed", errors.New("disk full"), ComponentCollective, OpFinalize, nil)
	if !strings.Contains(buf.String(), `error="disk full"`) || !strings.Contains(buf.String(), "operation=finalize") {
		t.Fatalf("unexpected log line: %s", buf.String())
	}
}
