// Package config holds the typed server configuration and the logger factory.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Isolation modes.
const (
	IsolationProcess = "process"
	IsolationInline  = "inline"
)

// Defaults applied when neither a flag, the environment nor a config file
// sets a key.
const (
	DefaultListenAddr        = ":3000"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultStore             = StoreSQLite
	DefaultRedisAddr         = "localhost:6379"
	DefaultPollInterval      = time.Second
	DefaultTaskTimeout       = 5 * time.Minute
	DefaultStopTimeout       = 10 * time.Second
	DefaultWorkers           = 1
	DefaultIsolation         = IsolationProcess
	DefaultRetryMaxElapsed   = 30 * time.Second
	DefaultRetentionSchedule = "@every 1h"
)

// Config holds typed configuration for the server.
type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	DataDir   string
	Store     string
	RedisAddr string

	QueueCapacity   int
	PollInterval    time.Duration
	TaskTimeout     time.Duration
	StopTimeout     time.Duration
	Workers         int
	Isolation       string
	RetryMaxElapsed time.Duration

	Retention         time.Duration
	RetentionSchedule string

	TLSCert string
	TLSKey  string

	OTelEndpoint string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("data_dir", "")
	v.SetDefault("store", DefaultStore)
	v.SetDefault("redis_addr", DefaultRedisAddr)
	v.SetDefault("queue_capacity", 0)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("task_timeout", DefaultTaskTimeout)
	v.SetDefault("stop_timeout", DefaultStopTimeout)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("isolation", DefaultIsolation)
	v.SetDefault("store_retry_max_elapsed", DefaultRetryMaxElapsed)
	v.SetDefault("retention", time.Duration(0))
	v.SetDefault("retention_schedule", DefaultRetentionSchedule)
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("otel_endpoint", "")
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		ListenAddr:        v.GetString("listen_addr"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		DataDir:           v.GetString("data_dir"),
		Store:             strings.ToLower(v.GetString("store")),
		RedisAddr:         v.GetString("redis_addr"),
		QueueCapacity:     v.GetInt("queue_capacity"),
		PollInterval:      v.GetDuration("poll_interval"),
		TaskTimeout:       v.GetDuration("task_timeout"),
		StopTimeout:       v.GetDuration("stop_timeout"),
		Workers:           v.GetInt("workers"),
		Isolation:         strings.ToLower(v.GetString("isolation")),
		RetryMaxElapsed:   v.GetDuration("store_retry_max_elapsed"),
		Retention:         v.GetDuration("retention"),
		RetentionSchedule: v.GetString("retention_schedule"),
		TLSCert:           v.GetString("tls_cert"),
		TLSKey:            v.GetString("tls_key"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StoreSQLite, StoreRedis, c.Store)
	}
	switch c.Isolation {
	case IsolationProcess, IsolationInline:
	default:
		return fmt.Errorf("isolation must be %q or %q, got %q", IsolationProcess, IsolationInline, c.Isolation)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity must not be negative, got %d", c.QueueCapacity)
	}
	if c.TaskTimeout < 0 {
		return errors.New("task_timeout must not be negative")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	return nil
}

// TLSEnabled reports whether the API should serve HTTPS.
func (c Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
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

// NewLogger creates a structured logger writing to w. format is "json" or
// "text"; anything else falls back to JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
