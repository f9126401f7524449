// Package config loads the relay server configuration from environment
// variables and flags. Env values become flag defaults, so flags always win.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "PEERLINK_RELAY_LISTEN_ADDR"
	envVarLogFormat       = "PEERLINK_RELAY_LOG_FORMAT"
	envVarLogLevel        = "PEERLINK_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "PEERLINK_RELAY_SHUTDOWN_TIMEOUT"

	// Signaling WebSocket hardening.
	envVarMaxMessageBytes      = "PEERLINK_RELAY_MAX_MESSAGE_BYTES"
	envVarIdleTimeout          = "PEERLINK_RELAY_IDLE_TIMEOUT"
	envVarPingInterval         = "PEERLINK_RELAY_PING_INTERVAL"
	envVarMaxMessagesPerSecond = "PEERLINK_RELAY_MAX_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessagesPerSecond = 64
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// MaxMessageBytes caps inbound signaling message size per websocket read.
	MaxMessageBytes int64

	// IdleTimeout closes signaling connections with no traffic (including
	// pongs); PingInterval must be shorter so healthy peers stay alive.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// MaxMessagesPerSecond bounds the per-connection signaling message rate.
	MaxMessagesPerSecond int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarIdleTimeout, DefaultIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	maxMessagesPerSecond := DefaultMaxMessagesPerSecond
	if raw, ok := lookup(envVarMaxMessagesPerSecond); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessagesPerSecond, raw, err)
		}
		maxMessagesPerSecond = n
	}

	fs := flag.NewFlagSet("peerlink-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "Close idle signaling connections after this duration (env "+envVarIdleTimeout+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Send ping frames at this interval (must be < --idle-timeout; env "+envVarPingInterval+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max signaling messages per second per connection (env "+envVarMaxMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if idleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--idle-timeout must be > 0", envVarIdleTimeout)
	}
	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ping-interval must be > 0", envVarPingInterval)
	}
	if pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("%s/--ping-interval must be < %s/--idle-timeout", envVarPingInterval, envVarIdleTimeout)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}

	return Config{
		ListenAddr:           listenAddr,
		LogFormat:            logFormat,
		LogLevel:             level,
		ShutdownTimeout:      shutdownTimeout,
		MaxMessageBytes:      maxMessageBytes,
		IdleTimeout:          idleTimeout,
		PingInterval:         pingInterval,
		MaxMessagesPerSecond: maxMessagesPerSecond,
	}, nil
}

func parseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
