package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_HasComponent(t *testing.T) {
	var buf bytes.Buffer
	Init("debug", "text", &buf)

	New("ledger").Info("appended")

	out := buf.String()
	if !strings.Contains(out, "component=ledger") {
		t.Fatalf("expected component attr, got: %s", out)
	}
	if !strings.Contains(out, "appended") {
		t.Fatalf("expected message, got: %s", out)
	}
}

func TestInit_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("info", "json", &buf)

	New("dispatch").Warn("degraded")

	out := buf.String()
	if !strings.Contains(out, `"level":"WARN"`) || !strings.Contains(out, `"component":"dispatch"`) {
		t.Fatalf("unexpected json output: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
