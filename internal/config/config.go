package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envVarListenAddr      = "WEBRTC_SIGNALING_GATEWAY_LISTEN_ADDR"
	envVarLogFormat       = "WEBRTC_SIGNALING_GATEWAY_LOG_FORMAT"
	envVarLogLevel        = "WEBRTC_SIGNALING_GATEWAY_LOG_LEVEL"
	envVarShutdownTimeout = "WEBRTC_SIGNALING_GATEWAY_SHUTDOWN_TIMEOUT"
	envVarServerName      = "WEBRTC_SIGNALING_GATEWAY_SERVER_NAME"

	// Session lifecycle knobs.
	envVarSessionTimeout    = "SESSION_TIMEOUT_SECONDS"
	envVarCandidatesTimeout = "CANDIDATES_TIMEOUT_SECONDS"
	envVarCleaningDeadline  = "CLEANING_DEADLINE"

	// Auth knobs.
	envVarAPISecret       = "API_SECRET"
	envVarAdminSecret     = "ADMIN_SECRET"
	envVarTokenAuth       = "TOKEN_AUTH"
	envVarTokenAuthSecret = "TOKEN_AUTH_SECRET"

	// Negotiation knobs.
	envVarFullTrickle = "FULL_TRICKLE"

	// Transport hardening (per-connection).
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	DefaultListenAddr      = "127.0.0.1:8188"
	DefaultShutdown        = 15 * time.Second
	DefaultServerName      = "webrtc-signaling-gateway"
	DefaultSessionTimeout  = 60 // seconds; 0 disables the idle sweeper
	DefaultCandidatesTimeout = 45 // seconds a buffered trickle stays valid
	DefaultCleaningDeadline = 3 * time.Second

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	// DefaultMaxNackQueue is the retransmission buffer ceiling handed to the
	// media collaborator. Admin verbs may lower or raise it at runtime, but it
	// must stay 0 (disabled) or >= 200 ms.
	DefaultMaxNackQueue = 500
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the immutable startup configuration. Values that admin verbs can
// change at runtime live in Runtime instead.
type Config struct {
	ConfigFile string

	ListenAddr string
	ServerName string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// SessionTimeout is the idle timeout, in seconds, after which the sweeper
	// destroys a session. 0 disables idle sweeping entirely.
	SessionTimeout int

	// CandidatesTimeout bounds, in seconds, how long a buffered trickle
	// candidate stays eligible for replay once the answer lands.
	CandidatesTimeout int

	// CleaningDeadline bounds how long an offer/answer waits for a previous
	// media session to finish tearing down.
	CleaningDeadline time.Duration

	APISecret   string
	AdminSecret string

	// TokenAuth enables the opaque-token system. When TokenAuthSecret is also
	// set, tokens are additionally accepted if they carry a valid HMAC
	// signature; otherwise only stored tokens pass.
	TokenAuth       bool
	TokenAuthSecret string

	// FullTrickle makes the gateway trickle its own candidates instead of
	// embedding them in the SDP.
	FullTrickle bool

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

// fileConfig is the YAML shape accepted via -config. Every field is optional;
// unset fields keep the flag/env value.
type fileConfig struct {
	ListenAddr        *string `yaml:"listen_addr"`
	ServerName        *string `yaml:"server_name"`
	LogFormat         *string `yaml:"log_format"`
	LogLevel          *string `yaml:"log_level"`
	SessionTimeout    *int    `yaml:"session_timeout"`
	CandidatesTimeout *int    `yaml:"candidates_timeout"`
	APISecret         *string `yaml:"api_secret"`
	AdminSecret       *string `yaml:"admin_secret"`
	TokenAuth         *bool   `yaml:"token_auth"`
	TokenAuthSecret   *string `yaml:"token_auth_secret"`
	FullTrickle       *bool   `yaml:"full_trickle"`
}

// Load parses flags (with env-var fallbacks) and the optional YAML config
// file. Precedence, lowest to highest: defaults, env, flags, config file.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	fs := flag.NewFlagSet("webrtc-signaling-gateway", flag.ContinueOnError)

	cfg := Config{
		ListenAddr:        envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ServerName:        envOrDefault(lookup, envVarServerName, DefaultServerName),
		ShutdownTimeout:   DefaultShutdown,
		SessionTimeout:    DefaultSessionTimeout,
		CandidatesTimeout: DefaultCandidatesTimeout,
		CleaningDeadline:  DefaultCleaningDeadline,

		APISecret:   envOrDefault(lookup, envVarAPISecret, ""),
		AdminSecret: envOrDefault(lookup, envVarAdminSecret, ""),

		TokenAuthSecret: envOrDefault(lookup, envVarTokenAuthSecret, ""),

		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
	}

	var err error
	if cfg.SessionTimeout, err = envIntOrDefault(lookup, envVarSessionTimeout, cfg.SessionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CandidatesTimeout, err = envIntOrDefault(lookup, envVarCandidatesTimeout, cfg.CandidatesTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CleaningDeadline, err = envDurationOrDefault(lookup, envVarCleaningDeadline, cfg.CleaningDeadline); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TokenAuth, err = envBoolOrDefault(lookup, envVarTokenAuth, false); err != nil {
		return Config{}, err
	}
	if cfg.FullTrickle, err = envBoolOrDefault(lookup, envVarFullTrickle, false); err != nil {
		return Config{}, err
	}
	maxBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(cfg.MaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxBytes)
	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}

	logFormat := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevel := envOrDefault(lookup, envVarLogLevel, "info")

	fs.StringVar(&cfg.ConfigFile, "config", "", "optional YAML configuration file")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP/WebSocket listen address")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "server name reported by the info verb")
	fs.StringVar(&logFormat, "log-format", logFormat, "log format: text or json")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn or error")
	fs.IntVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "idle session timeout in seconds (0 disables)")
	fs.StringVar(&cfg.APISecret, "api-secret", cfg.APISecret, "shared secret required on the client API")
	fs.StringVar(&cfg.AdminSecret, "admin-secret", cfg.AdminSecret, "shared secret required on the admin API")
	fs.BoolVar(&cfg.TokenAuth, "token-auth", cfg.TokenAuth, "enable opaque-token authentication")
	fs.BoolVar(&cfg.FullTrickle, "full-trickle", cfg.FullTrickle, "trickle local candidates instead of embedding them in the SDP")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile, &logFormat, &logLevel); err != nil {
			return Config{}, err
		}
	}

	switch LogFormat(strings.ToLower(logFormat)) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("unsupported log format %q", logFormat)
	}

	level, err := ParseLogLevel(logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string, logFormat, logLevel *string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.ServerName, fc.ServerName)
	setString(logFormat, fc.LogFormat)
	setString(logLevel, fc.LogLevel)
	setString(&c.APISecret, fc.APISecret)
	setString(&c.AdminSecret, fc.AdminSecret)
	setString(&c.TokenAuthSecret, fc.TokenAuthSecret)
	if fc.SessionTimeout != nil {
		c.SessionTimeout = *fc.SessionTimeout
	}
	if fc.CandidatesTimeout != nil {
		c.CandidatesTimeout = *fc.CandidatesTimeout
	}
	if fc.TokenAuth != nil {
		c.TokenAuth = *fc.TokenAuth
	}
	if fc.FullTrickle != nil {
		c.FullTrickle = *fc.FullTrickle
	}
	return nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.SessionTimeout < 0 {
		return fmt.Errorf("session timeout must be >= 0, got %d", c.SessionTimeout)
	}
	if c.CandidatesTimeout <= 0 {
		return fmt.Errorf("candidates timeout must be > 0, got %d", c.CandidatesTimeout)
	}
	if c.CleaningDeadline <= 0 {
		return fmt.Errorf("cleaning deadline must be > 0, got %s", c.CleaningDeadline)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("max signaling message bytes must be > 0")
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("max signaling messages per second must be > 0")
	}
	return nil
}

// ParseLogLevel accepts both slog names and the numeric gateway levels
// (0=fatal..7=huge) used by the admin API.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return LevelFromWire(n)
	}
	return 0, fmt.Errorf("unsupported log level %q", s)
}

// Wire log levels. The admin protocol tunes verbosity on a 0..7 integer
// scale; MaxWireLevel is the upper bound enforced by set_log_level.
const MaxWireLevel = 7

// LevelFromWire maps a 0..7 wire level onto slog levels.
func LevelFromWire(n int) (slog.Level, error) {
	switch {
	case n < 0 || n > MaxWireLevel:
		return 0, fmt.Errorf("log level out of range: %d", n)
	case n <= 2: // fatal/error
		return slog.LevelError, nil
	case n == 3:
		return slog.LevelWarn, nil
	case n == 4:
		return slog.LevelInfo, nil
	default: // verbose and up
		return slog.LevelDebug, nil
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
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
