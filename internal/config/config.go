// Package config loads the harness server configuration from environment
// variables and command line flags. Flags win over env vars; both fall back
// to defaults that work for local testing.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envListenAddr          = "HARNESS_LISTEN_ADDR"
	envLogFormat           = "HARNESS_LOG_FORMAT"
	envLogLevel            = "HARNESS_LOG_LEVEL"
	envShutdownTimeout     = "HARNESS_SHUTDOWN_TIMEOUT"
	envICEGatheringTimeout = "HARNESS_ICE_GATHERING_TIMEOUT"
	envMockEngine          = "HARNESS_MOCK_ENGINE"
	envMaxSessions         = "HARNESS_MAX_SESSIONS"
	envTLSCertFile         = "HARNESS_TLS_CERT"
	envTLSKeyFile          = "HARNESS_TLS_KEY"

	envICEServersJSON = "HARNESS_ICE_SERVERS_JSON"
	envStunURLs       = "HARNESS_STUN_URLS"
	envTurnURLs       = "HARNESS_TURN_URLS"
	envTurnUsername   = "HARNESS_TURN_USERNAME"
	envTurnCredential = "HARNESS_TURN_CREDENTIAL"

	envMaxSignalingMessageBytes      = "HARNESS_MAX_SIGNALING_MESSAGE_BYTES"
	envMaxSignalingMessagesPerSecond = "HARNESS_MAX_SIGNALING_MESSAGES_PER_SECOND"

	DefaultListenAddr          = "0.0.0.0:8080"
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultICEGatheringTimeout = 2 * time.Second

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout     time.Duration
	ICEGatheringTimeout time.Duration

	// MockEngine forces the deterministic engine fixture instead of pion.
	MockEngine bool

	// MaxSessions caps concurrent sessions. 0 means unlimited.
	MaxSessions int

	// TLSCertFile/TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	ICEServers []webrtc.ICEServer

	// WebSocket signaling hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookupEnv func(string) (string, bool), args []string) (Config, error) {
	env := func(key, fallback string) string {
		if v, ok := lookupEnv(key); ok {
			return v
		}
		return fallback
	}

	listenAddr := env(envListenAddr, DefaultListenAddr)
	logFormatStr := env(envLogFormat, string(LogFormatText))
	logLevelStr := env(envLogLevel, "info")
	mockStr := env(envMockEngine, "false")
	certFile := env(envTLSCertFile, "")
	keyFile := env(envTLSKeyFile, "")

	iceServersJSON := env(envICEServersJSON, "")
	stunURLs := env(envStunURLs, "")
	turnURLs := env(envTurnURLs, "")
	turnUsername := env(envTurnUsername, "")
	turnCredential := env(envTurnCredential, "")

	shutdownTimeout, err := durationEnv(lookupEnv, envShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	iceGatheringTimeout, err := durationEnv(lookupEnv, envICEGatheringTimeout, DefaultICEGatheringTimeout)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := intEnv(lookupEnv, envMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := intEnv(lookupEnv, envMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := intEnv(lookupEnv, envMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("webrtc-harness-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envListenAddr+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout")
	fs.DurationVar(&iceGatheringTimeout, "ice-gather-timeout", iceGatheringTimeout, "Max time to wait for ICE gathering on POST /webrtc/offer")
	fs.StringVar(&mockStr, "mock", mockStr, "Use the deterministic mock engine instead of pion (true/false)")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent sessions (0 = unlimited)")
	fs.StringVar(&certFile, "ssl-cert", certFile, "TLS certificate file (enables HTTPS together with -ssl-key)")
	fs.StringVar(&keyFile, "ssl-key", keyFile, "TLS private key file")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	logFormat := LogFormat(strings.ToLower(strings.TrimSpace(logFormatStr)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid log format %q (want text or json)", logFormatStr)
	}

	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	mock, err := strconv.ParseBool(strings.TrimSpace(mockStr))
	if err != nil {
		return Config{}, fmt.Errorf("invalid -mock value %q: %w", mockStr, err)
	}

	if (certFile == "") != (keyFile == "") {
		return Config{}, fmt.Errorf("-ssl-cert and -ssl-key must be set together")
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers()
	}

	return Config{
		ListenAddr:          listenAddr,
		LogFormat:           logFormat,
		LogLevel:            logLevel,
		ShutdownTimeout:     shutdownTimeout,
		ICEGatheringTimeout: iceGatheringTimeout,
		MockEngine:          mock,
		MaxSessions:         maxSessions,
		TLSCertFile:         certFile,
		TLSKeyFile:          keyFile,
		ICEServers:          iceServers,

		MaxSignalingMessageBytes:      int64(maxSignalingMessageBytes),
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
	}, nil
}

// DefaultICEServers returns the public STUN servers used when nothing else is
// configured.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

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

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}

func durationEnv(lookupEnv func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(lookupEnv func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
