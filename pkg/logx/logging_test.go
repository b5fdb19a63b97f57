package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func captureLogger(level zerolog.Level) (Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf).Level(level)
	return NewFromZerolog(zl), &buf
}

func lines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(ln), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestLoggerWithAndFields(t *testing.T) {
	t.Parallel()
	log, buf := captureLogger(zerolog.DebugLevel)
	log.With(String("comp", "scheduler")).Info("hello", Int("n", 3), Uint64("task", 7))

	got := lines(buf)
	if len(got) != 1 {
		t.Fatalf("lines = %d (%q)", len(got), buf.String())
	}
	if got[0]["comp"] != "scheduler" || got[0]["n"] != float64(3) || got[0]["task"] != float64(7) {
		t.Fatalf("fields = %v", got[0])
	}
	if c, _ := got[0]["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop is a configured logger")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v want %v", tt.in, got, tt.want)
		}
	}
}

func TestThrottleSuppressesAndReports(t *testing.T) {
	t.Parallel()
	log, buf := captureLogger(zerolog.InfoLevel)
	th := NewThrottle(log, time.Hour, 1)

	for i := 0; i < 5; i++ {
		th.Warn("k", "noisy")
	}
	th.Warn("other", "separate key")

	got := lines(buf)
	if len(got) != 2 {
		t.Fatalf("emitted %d lines, want 2: %q", len(got), buf.String())
	}
	if n := th.Suppressed("k"); n != 4 {
		t.Fatalf("suppressed = %d want 4", n)
	}
}

func TestThrottleDisabled(t *testing.T) {
	t.Parallel()
	log, buf := captureLogger(zerolog.InfoLevel)
	th := NewThrottle(log, 0, 1)
	for i := 0; i < 3; i++ {
		th.Info("k", "line")
	}
	if got := lines(buf); len(got) != 3 {
		t.Fatalf("emitted %d lines, want 3", len(got))
	}
	var nilT *Throttle
	if !nilT.Allow("x") {
		t.Fatal("nil throttle allows everything")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	t.Parallel()
	path := t.TempDir() + "/out.log"
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	if !log.Enabled(LevelDebug) {
		t.Fatal("debug should be enabled")
	}
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	if log.Enabled(LevelWarn) {
		t.Fatal("Apply should lower verbosity on existing loggers")
	}
}
