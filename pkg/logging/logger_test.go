package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse JSON output %q: %v", buf.String(), err)
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo {
		t.Errorf("expected default level to be info, got %s", cfg.Level)
	}
	if cfg.ServiceName != "freightdesk" {
		t.Errorf("expected default service name 'freightdesk', got %s", cfg.ServiceName)
	}
	if cfg.Format != FormatAuto {
		t.Errorf("expected auto format, got %s", cfg.Format)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FREIGHTDESK_LOG_LEVEL", "DEBUG")
	t.Setenv("FREIGHTDESK_LOG_FORMAT", "console")

	cfg := ConfigFromEnv()
	if cfg.Level != LevelDebug {
		t.Errorf("expected debug, got %s", cfg.Level)
	}
	if cfg.Format != FormatConsole {
		t.Errorf("expected console, got %s", cfg.Format)
	}
}

func TestNewLogger_NilConfig(t *testing.T) {
	if NewLogger(nil) == nil {
		t.Error("expected non-nil logger with nil config")
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelDebug, ServiceName: "test-service", Format: FormatJSON, Output: buf})

	log.Info("classified", F("document_type", "booking_confirmation"), F("confidence", 95))

	out := decode(t, buf)
	if out["message"] != "classified" {
		t.Errorf("expected message 'classified', got %v", out["message"])
	}
	if out["service_name"] != "test-service" {
		t.Errorf("expected service_name, got %v", out["service_name"])
	}
	if out["document_type"] != "booking_confirmation" {
		t.Errorf("expected document_type field, got %v", out["document_type"])
	}
	if out["confidence"] != float64(95) {
		t.Errorf("expected confidence 95, got %v", out["confidence"])
	}
	if out["level"] != "info" {
		t.Errorf("expected level info, got %v", out["level"])
	}
}

func TestLogger_AutoFormatNonTerminalIsJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelInfo, Format: FormatAuto, Output: buf})
	log.Info("hello")
	decode(t, buf)
}

func TestLogger_ConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelInfo, Format: FormatConsole, Output: buf})
	log.Info("hello console")
	if !strings.Contains(buf.String(), "hello console") {
		t.Errorf("expected console output to contain message, got %q", buf.String())
	}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("console output should not be JSON: %q", buf.String())
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelWarn, Format: FormatJSON, Output: buf})

	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected warn output")
	}
}

func TestLogger_With(t *testing.T) {
	buf := &bytes.Buffer{}
	base := NewLogger(&Config{Level: LevelDebug, Format: FormatJSON, Output: buf})
	log := base.With(F("component", "classifier"), F("attempt", int64(2)), F("took", 3*time.Second))

	log.Error("ai failed", Err(errors.New("boom")))

	out := decode(t, buf)
	if out["component"] != "classifier" {
		t.Errorf("expected component field, got %v", out["component"])
	}
	if out["error"] != "boom" {
		t.Errorf("expected error field, got %v", out["error"])
	}
	if _, ok := out["took"]; !ok {
		t.Errorf("expected duration field")
	}
}

func TestLogger_WithContext(t *testing.T) {
	buf := &bytes.Buffer{}
	base := NewLogger(&Config{Level: LevelDebug, Format: FormatJSON, Output: buf})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = context.WithValue(ctx, RequestIDKey, "req-1")
	ctx = WithMessageID(ctx, "MSG-42")

	base.WithContext(ctx).Info("processing")

	out := decode(t, buf)
	if out["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected trace_id, got %v", out["trace_id"])
	}
	if out["request_id"] != "req-1" {
		t.Errorf("expected request_id, got %v", out["request_id"])
	}
	if out["message_id"] != "MSG-42" {
		t.Errorf("expected message_id, got %v", out["message_id"])
	}
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.Info("nothing")
	log.With(F("a", 1)).WithContext(context.Background()).Error("nothing")
}

func TestGlobal(t *testing.T) {
	prev := global
	defer func() { global = prev }()

	global = nil
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected Global to panic when unset")
		}
	}()
	if MustGlobal() == nil {
		t.Fatal("expected MustGlobal to initialize")
	}
	global = nil
	SetGlobal(NewNopLogger())
	if Global() == nil {
		t.Fatal("expected Global to return the set logger")
	}
	global = nil
	Global()
}
