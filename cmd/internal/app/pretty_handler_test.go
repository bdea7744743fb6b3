package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("session_id", "01J0").Info("http.request",
		"method", "get",
		"status", 404,
		"duration_ms", 12,
		"path", "/ws",
		"note", "two words",
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=http.request",
		"session_id=01J0",
		"method=GET",
		"status=404",
		"duration=12ms",
		"path=/ws",
		`note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("plain output must not contain ANSI codes: %q", line)
	}
}

func TestPrettyHandler_ColorOutputStripsToPlain(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Error("store.append.fail", "err", "boom", "status", 503)

	line := buf.String()
	if !strings.Contains(line, ansiRed) {
		t.Fatalf("expected colored output, got %q", line)
	}
	plain := stripANSI(line)
	if !strings.Contains(plain, "lvl=[ERROR]") || !strings.Contains(plain, "status=503") || !strings.Contains(plain, "err=boom") {
		t.Fatalf("unexpected stripped output %q", plain)
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	slog.New(h).Info("ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}
