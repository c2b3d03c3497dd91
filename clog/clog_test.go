package clog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newBufferLogger(t *testing.T, level string, opts ...Option) (Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	opts = append(opts, WithBuffer(buf))
	logger, err := New(&Config{Level: level, Format: "json", Output: "buffer"}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return logger, buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("日志不是合法 JSON: %q, err=%v", line, err)
	}
	return m
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"valid config", &Config{Level: "info", Format: "console", Output: "stdout"}, false},
		{"nil config", nil, false},
		{"invalid level", &Config{Level: "invalid"}, true},
		{"invalid format", &Config{Level: "info", Format: "xml"}, true},
		{"buffer without option", &Config{Output: "buffer"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNamespaceAndFields(t *testing.T) {
	logger, buf := newBufferLogger(t, "debug", WithNamespace("yurpc"))

	logger.WithNamespace("registry").
		With(String("service_key", "UserService:1.0")).
		Info("service registered", Int("port", 9000), Error(errors.New("ignored")))

	m := decodeLine(t, buf)
	if m["namespace"] != "yurpc.registry" {
		t.Errorf("namespace = %v, 期望 yurpc.registry", m["namespace"])
	}
	if m["service_key"] != "UserService:1.0" {
		t.Errorf("service_key = %v", m["service_key"])
	}
	if m["port"] != float64(9000) {
		t.Errorf("port = %v", m["port"])
	}
	if m["err_msg"] != "ignored" {
		t.Errorf("err_msg = %v", m["err_msg"])
	}
	if m["level"] != "INFO" {
		t.Errorf("level = %v", m["level"])
	}
}

func TestLevelFilteringAndSetLevel(t *testing.T) {
	logger, buf := newBufferLogger(t, "warn")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info 日志应被过滤，实际输出 %q", buf.String())
	}

	if err := logger.SetLevel(DebugLevel); err != nil {
		t.Fatalf("SetLevel() error = %v", err)
	}
	logger.Debug("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("SetLevel 后 debug 日志应输出，实际 %q", buf.String())
	}
}

func TestStandardContext(t *testing.T) {
	logger, buf := newBufferLogger(t, "info", WithStandardContext())

	ctx := context.WithValue(context.Background(), RequestIDKey, int64(42))
	logger.InfoContext(ctx, "call finished")

	m := decodeLine(t, buf)
	if m["request_id"] != float64(42) {
		t.Errorf("request_id = %v, 期望 42", m["request_id"])
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "Warn", "error", "fatal"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q) error = %v", s, err)
		}
	}
	if l, err := ParseLevel("verbose"); err == nil || l != InfoLevel {
		t.Errorf("ParseLevel(verbose) = %v, %v", l, err)
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.With(String("k", "v")).WithNamespace("x").Error("nothing")
	if err := logger.SetLevel(DebugLevel); err != nil {
		t.Errorf("Discard().SetLevel() = %v", err)
	}
}
