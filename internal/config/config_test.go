package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envAPIKey, envAPIURL, envWSURL, envLogLevel, envLogFormat,
		envOTelExporter, envOTelEndpoint, envOTelInsecure, envOTelSampleRatio,
		envArchiveEndpoint, envArchiveAccessKey, envArchiveSecretKey, envArchiveBucket, envArchiveUseSSL,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.APIURL != DefaultAPIURL {
		t.Errorf("APIURL = %q, want %q", cfg.APIURL, DefaultAPIURL)
	}
	if cfg.WSURL != "wss://api.hypercli.com" {
		t.Errorf("WSURL = %q, want derived wss URL", cfg.WSURL)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", cfg.APIKey)
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := Save(path, File{
		APIKey:   "file-key",
		APIURL:   "http://file.local:8080/",
		LogLevel: "warn",
		Archive:  ArchiveConfig{Endpoint: "minio:9000", Bucket: "b"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.APIKey != "file-key" {
		t.Errorf("APIKey = %q, want file-key", cfg.APIKey)
	}
	if cfg.APIURL != "http://file.local:8080" {
		t.Errorf("APIURL = %q, want trailing slash trimmed", cfg.APIURL)
	}
	if cfg.WSURL != "ws://file.local:8080" {
		t.Errorf("WSURL = %q, want ws://file.local:8080", cfg.WSURL)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
	if cfg.Archive.Bucket != "b" {
		t.Errorf("Archive.Bucket = %q, want b", cfg.Archive.Bucket)
	}

	t.Setenv(envAPIKey, "env-key")
	t.Setenv(envWSURL, "wss://logs.example")
	t.Setenv(envLogLevel, "debug")

	cfg, err = LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.APIKey)
	}
	if cfg.WSURL != "wss://logs.example" {
		t.Errorf("WSURL = %q, want explicit env value", cfg.WSURL)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api_key: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("LoadFrom with invalid YAML: want error")
	}
}

func TestConfigureKeepsOtherSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := Save(path, File{LogLevel: "error"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Configure(path, "k1", ""); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	f, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if f.APIKey != "k1" || f.LogLevel != "error" {
		t.Errorf("file = %+v, want api_key k1 and log_level error", f)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://api.example.com", "wss://api.example.com"},
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080"},
		{"ws://already", "ws://already"},
	}
	for _, tt := range tests {
		if got := DeriveWSURL(tt.in); got != tt.want {
			t.Errorf("DeriveWSURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadDevPlane(t *testing.T) {
	t.Setenv(envDevListenAddr, ":9090")
	t.Setenv(envDevDBPath, "")
	t.Setenv(envDevAPIKey, "secret")
	t.Setenv(envDevStartDelay, "150ms")
	t.Setenv(envDevLogInterval, "bogus")
	t.Setenv(envLogLevel, "debug")

	cfg := LoadDevPlane()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.DBPath != defaultDevDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDevDBPath)
	}
	if cfg.APIKey != "secret" {
		t.Errorf("APIKey = %q, want secret", cfg.APIKey)
	}
	if cfg.StartDelay != 150*time.Millisecond {
		t.Errorf("StartDelay = %v, want 150ms", cfg.StartDelay)
	}
	if cfg.LogInterval != defaultDevLogInterval {
		t.Errorf("LogInterval = %v, want default for unparsable value", cfg.LogInterval)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
}

func TestNewLoggerFormatText(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerFormat(&buf, slog.LevelInfo, "text").Info("hello", "k", "v")
	if json.Valid(buf.Bytes()) {
		t.Errorf("text logger produced JSON: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("k=v")) {
		t.Errorf("text output = %q, want k=v", buf.String())
	}
}
