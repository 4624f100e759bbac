package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL = "https://api.hypercli.com"

	defaultConfigDir  = ".anvil"
	defaultConfigFile = "config.yaml"

	envConfigPath = "ANVIL_CONFIG"
	envAPIKey     = "ANVIL_API_KEY"
	envAPIURL     = "ANVIL_API_URL"
	envWSURL      = "ANVIL_WS_URL"
	envLogLevel   = "ANVIL_LOG_LEVEL"
	envLogFormat  = "ANVIL_LOG_FORMAT"

	envOTelExporter    = "ANVIL_OTEL_EXPORTER"
	envOTelEndpoint    = "ANVIL_OTEL_ENDPOINT"
	envOTelInsecure    = "ANVIL_OTEL_INSECURE"
	envOTelSampleRatio = "ANVIL_OTEL_SAMPLE_RATIO"

	envArchiveEndpoint  = "ANVIL_ARCHIVE_ENDPOINT"
	envArchiveAccessKey = "ANVIL_ARCHIVE_ACCESS_KEY"
	envArchiveSecretKey = "ANVIL_ARCHIVE_SECRET_KEY"
	envArchiveBucket    = "ANVIL_ARCHIVE_BUCKET"
	envArchiveUseSSL    = "ANVIL_ARCHIVE_USE_SSL"
)

// Config holds client configuration resolved from the environment, the
// config file and built-in defaults, in that order of precedence.
type Config struct {
	APIKey    string
	APIURL    string
	WSURL     string
	LogLevel  slog.Level
	LogFormat string
	Tracing   TracingConfig
	Archive   ArchiveConfig
}

// TracingConfig selects the OpenTelemetry span exporter.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter,omitempty"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// ArchiveConfig points at an S3-compatible bucket used to mirror workflow
// requests and uploaded assets. An empty Endpoint disables archiving.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	UseSSL    bool   `yaml:"use_ssl,omitempty"`
}

// File is the on-disk representation of the config file.
type File struct {
	APIKey    string        `yaml:"api_key,omitempty"`
	APIURL    string        `yaml:"api_url,omitempty"`
	WSURL     string        `yaml:"ws_url,omitempty"`
	LogLevel  string        `yaml:"log_level,omitempty"`
	LogFormat string        `yaml:"log_format,omitempty"`
	Tracing   TracingConfig `yaml:"tracing,omitempty"`
	Archive   ArchiveConfig `yaml:"archive,omitempty"`
}

// DefaultPath returns the config file location, honoring ANVIL_CONFIG.
func DefaultPath() string {
	if v := os.Getenv(envConfigPath); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(defaultConfigDir, defaultConfigFile)
	}
	return filepath.Join(home, defaultConfigDir, defaultConfigFile)
}

// Load resolves configuration using the default config file path.
func Load() (Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom resolves configuration using the config file at path. A missing
// file is not an error.
func LoadFrom(path string) (Config, error) {
	f, err := ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		APIKey:    f.APIKey,
		APIURL:    DefaultAPIURL,
		WSURL:     f.WSURL,
		LogLevel:  slog.LevelInfo,
		LogFormat: "json",
		Tracing:   f.Tracing,
		Archive:   f.Archive,
	}
	if f.APIURL != "" {
		cfg.APIURL = f.APIURL
	}
	if f.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(f.LogLevel)
	}
	if f.LogFormat != "" {
		cfg.LogFormat = f.LogFormat
	}

	if v := os.Getenv(envAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv(envAPIURL); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv(envWSURL); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = v
	}

	if v := os.Getenv(envOTelExporter); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv(envOTelEndpoint); v != "" {
		cfg.Tracing.Endpoint = v
	}
	cfg.Tracing.Insecure = envBool(envOTelInsecure, cfg.Tracing.Insecure)
	if v := os.Getenv(envOTelSampleRatio); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRatio = f
		}
	}

	if v := os.Getenv(envArchiveEndpoint); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv(envArchiveAccessKey); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv(envArchiveSecretKey); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv(envArchiveBucket); v != "" {
		cfg.Archive.Bucket = v
	}
	cfg.Archive.UseSSL = envBool(envArchiveUseSSL, cfg.Archive.UseSSL)

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.WSURL == "" {
		cfg.WSURL = DeriveWSURL(cfg.APIURL)
	}
	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")

	return cfg, nil
}

// DeriveWSURL maps an HTTP(S) API URL onto the matching WebSocket scheme.
func DeriveWSURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}

// ReadFile parses the YAML config file at path. A missing file yields a
// zero File.
func ReadFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// Save writes f to path, readable only by the owner.
func Save(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod config: %w", err)
	}
	return nil
}

// Configure stores credentials in the config file at path, keeping any
// other settings already present.
func Configure(path, apiKey, apiURL string) error {
	f, err := ReadFile(path)
	if err != nil {
		return err
	}
	f.APIKey = apiKey
	if apiURL != "" {
		f.APIURL = apiURL
	}
	return Save(path, f)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLogLevel is exported for command-line flag handling.
func ParseLogLevel(s string) slog.Level {
	return parseLogLevel(s)
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewLoggerFormat is NewLogger with a selectable "json" or "text" handler.
func NewLoggerFormat(w io.Writer, level slog.Level, format string) *slog.Logger {
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return NewLogger(w, level)
}

const (
	defaultDevListenAddr  = ":8080"
	defaultDevDBPath      = "anvil-devplane.db"
	defaultDevStartDelay  = 2 * time.Second
	defaultDevLogInterval = time.Second

	envDevListenAddr  = "ANVIL_DEVPLANE_LISTEN_ADDR"
	envDevDBPath      = "ANVIL_DEVPLANE_DB_PATH"
	envDevAPIKey      = "ANVIL_DEVPLANE_API_KEY"
	envDevStartDelay  = "ANVIL_DEVPLANE_START_DELAY"
	envDevLogInterval = "ANVIL_DEVPLANE_LOG_INTERVAL"
)

// DevPlane holds configuration for the local development control plane,
// loaded from environment variables with sensible defaults.
type DevPlane struct {
	ListenAddr  string
	DBPath      string
	APIKey      string
	StartDelay  time.Duration
	LogInterval time.Duration
	LogLevel    slog.Level
}

// LoadDevPlane reads development control plane settings from the environment.
func LoadDevPlane() DevPlane {
	cfg := DevPlane{
		ListenAddr:  defaultDevListenAddr,
		DBPath:      defaultDevDBPath,
		StartDelay:  defaultDevStartDelay,
		LogInterval: defaultDevLogInterval,
		LogLevel:    slog.LevelInfo,
	}

	if v := os.Getenv(envDevListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDevDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envDevAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv(envDevStartDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StartDelay = d
		}
	}
	if v := os.Getenv(envDevLogInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LogInterval = d
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}
