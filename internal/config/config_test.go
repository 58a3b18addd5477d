package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil, noEnv)
	require.NoError(t, err)

	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	require.Equal(t, DefaultSessionTimeout, cfg.SessionTimeout)
	require.Equal(t, DefaultCandidatesTimeout, cfg.CandidatesTimeout)
	require.Equal(t, DefaultCleaningDeadline, cfg.CleaningDeadline)
	require.Equal(t, LogFormatText, cfg.LogFormat)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.False(t, cfg.TokenAuth)
	require.False(t, cfg.FullTrickle)
}

func TestLoadEnvFallback(t *testing.T) {
	cfg, err := load(nil, envMap(map[string]string{
		"WEBRTC_SIGNALING_GATEWAY_LISTEN_ADDR": "0.0.0.0:9999",
		"SESSION_TIMEOUT_SECONDS":              "30",
		"API_SECRET":                           "sekrit",
		"TOKEN_AUTH":                           "true",
		"FULL_TRICKLE":                         "1",
		"WEBRTC_SIGNALING_GATEWAY_LOG_LEVEL":   "debug",
	}))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
	require.Equal(t, 30, cfg.SessionTimeout)
	require.Equal(t, "sekrit", cfg.APISecret)
	require.True(t, cfg.TokenAuth)
	require.True(t, cfg.FullTrickle)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load([]string{"-session-timeout", "15"}, envMap(map[string]string{
		"SESSION_TIMEOUT_SECONDS": "30",
	}))
	require.NoError(t, err)
	require.Equal(t, 15, cfg.SessionTimeout)
}

func TestConfigFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_addr: 127.0.0.1:7777\n"+
			"session_timeout: 25\n"+
			"api_secret: fromfile\n"+
			"full_trickle: true\n"+
			"log_level: warn\n"), 0o600))

	cfg, err := load([]string{"-config", path}, noEnv)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:7777", cfg.ListenAddr)
	require.Equal(t, 25, cfg.SessionTimeout)
	require.Equal(t, "fromfile", cfg.APISecret)
	require.True(t, cfg.FullTrickle)
	require.Equal(t, slog.LevelWarn, cfg.LogLevel)
}

func TestConfigFileUnreadable(t *testing.T) {
	_, err := load([]string{"-config", "/does/not/exist.yaml"}, noEnv)
	require.Error(t, err)
}

func TestValidationRejectsBadValues(t *testing.T) {
	_, err := load([]string{"-session-timeout", "-1"}, noEnv)
	require.Error(t, err)

	_, err = load([]string{"-log-format", "xml"}, noEnv)
	require.Error(t, err)

	_, err = load([]string{"-log-level", "chatty"}, noEnv)
	require.Error(t, err)
}

func TestParseLogLevelNumeric(t *testing.T) {
	lvl, err := ParseLogLevel("7")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLogLevel("4")
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLogLevel("9")
	require.Error(t, err)
}

func TestRuntimeTunables(t *testing.T) {
	level := new(slog.LevelVar)
	rt := NewRuntime(Config{SessionTimeout: 60}, level)

	require.Equal(t, int64(60), rt.SessionTimeout())
	require.True(t, rt.AcceptNewSessions())
	require.Equal(t, DefaultMaxNackQueue, rt.MaxNackQueue())

	rt.SetSessionTimeout(5)
	require.Equal(t, int64(5), rt.SessionTimeout())

	require.NoError(t, rt.SetWireLogLevel(6))
	require.Equal(t, 6, rt.WireLogLevel())
	require.Equal(t, slog.LevelDebug, level.Level())

	require.Error(t, rt.SetWireLogLevel(8))
	require.Equal(t, 6, rt.WireLogLevel())

	require.NoError(t, rt.SetWireLogLevel(2))
	require.Equal(t, slog.LevelError, level.Level())
}

func TestNewLoggerFormats(t *testing.T) {
	_, lv, err := NewLogger(Config{LogFormat: LogFormatText, LogLevel: slog.LevelInfo})
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, lv.Level())

	_, _, err = NewLogger(Config{LogFormat: LogFormatJSON})
	require.NoError(t, err)

	_, _, err = NewLogger(Config{LogFormat: "nope"})
	require.Error(t, err)
}
