package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.RTC.ConnectTimeout)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.RTC.ICEServers)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	assert.Error(t, cfg.Validate(), "no jwt secret and no dev auth")
}

func TestFileOverrides(t *testing.T) {
	p := writeFile(t, `
mode: debug
port: 9000
log_level: debug
dev_auth: true
allowed_origins: ["http://localhost:5173"]
rtc:
  udp_port: 40000
  announced_ips: ["203.0.113.7"]
  connect_timeout: 3s
limits:
  transport_burst: 2
`)
	cfg, err := NewLoader(p).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.True(t, cfg.DevAuth)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, 40000, cfg.RTC.UDPPort)
	assert.Equal(t, []string{"203.0.113.7"}, cfg.RTC.AnnouncedIPs)
	assert.Equal(t, 3*time.Second, cfg.RTC.ConnectTimeout)
	assert.Equal(t, 2, cfg.Limits.TransportBurst)
	assert.Equal(t, 1.0, cfg.Limits.TransportRate, "untouched keys keep defaults")
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICE_PORT", "7001")
	t.Setenv("VOICE_JWT_SECRET", "s3cret")
	t.Setenv("VOICE_RTC_CONNECT_TIMEOUT", "20s")

	cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 20*time.Second, cfg.RTC.ConnectTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := &Config{Port: 0, RTC: RTCConfig{PortMin: 10, PortMax: 5}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 0 out of range")
	assert.Contains(t, err.Error(), "port_max below")
	assert.Contains(t, err.Error(), "connect_timeout")
}

func TestDefaultFileFollowsEnv(t *testing.T) {
	t.Setenv("CONFIG_ENV", "prod")
	assert.Equal(t, "config/config.prod.yaml", DefaultFile())
	t.Setenv("CONFIG_ENV", "")
	assert.Equal(t, "config/config.dev.yaml", DefaultFile())
}

func TestLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, (&Config{LogLevel: "loud"}).Level())
	assert.Equal(t, zerolog.WarnLevel, (&Config{LogLevel: "WARN"}).Level())
}
