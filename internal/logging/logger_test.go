package logging

import (
	"bytes"
	"strings"
	"testing"

	"pulse/internal/observability"
)

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *componentLogger
	var logger Logger = typed
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // should not panic
}

func TestFromObservabilityFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "text",
		Output: buf,
	})

	logger := FromObservabilityWithComponent(base, "test")
	logger.Info("hello %s", "world")

	if got := buf.String(); got == "" {
		t.Fatalf("expected log output")
	}
	if want := "hello world"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
}

func TestComponentLoggerRedactsSecrets(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewComponentLoggerTo("store", buf)
	logger.Error("resume failed: resume_token=tok-supersecret123 run=%s", "run-1")

	out := buf.String()
	if strings.Contains(out, "tok-supersecret123") {
		t.Fatalf("expected resume token to be redacted, got %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction placeholder in output, got %q", out)
	}
	if !strings.Contains(out, "[store]") {
		t.Fatalf("expected component tag in output, got %q", out)
	}
}

func TestComponentLoggerHonorsLevel(t *testing.T) {
	t.Cleanup(func() { SetDefaultLevel(LevelInfo) })

	buf := &bytes.Buffer{}
	logger := NewComponentLoggerTo("hub", buf)

	SetDefaultLevel(LevelWarn)
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info line to be suppressed at warn level, got %q", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected warn line to be written, got %q", buf.String())
	}
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	first := &bytes.Buffer{}
	second := &bytes.Buffer{}

	inner := Multi(NewComponentLoggerTo("a", first))
	logger := Multi(inner, NewComponentLoggerTo("b", second), nil)

	logger.Info("fan out %d", 2)

	if !strings.Contains(first.String(), "fan out 2") {
		t.Fatalf("expected first sink to receive line, got %q", first.String())
	}
	if !strings.Contains(second.String(), "fan out 2") {
		t.Fatalf("expected second sink to receive line, got %q", second.String())
	}
}

func TestWithLogIDTagsLines(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := WithLogID(NewComponentLoggerTo("http", buf), "log-42")
	logger.Info("request handled")

	if !strings.Contains(buf.String(), "logid=log-42") {
		t.Fatalf("expected logid tag in output, got %q", buf.String())
	}
}
