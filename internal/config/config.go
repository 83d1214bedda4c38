package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	Secret         string        `mapstructure:"secret"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	DevAuth        bool          `mapstructure:"dev_auth"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`

	RTC    RTCConfig    `mapstructure:"rtc"`
	Limits LimitsConfig `mapstructure:"limits"`
}

type RTCConfig struct {
	UDPPort         int           `mapstructure:"udp_port"`
	PortMin         uint16        `mapstructure:"port_min"`
	PortMax         uint16        `mapstructure:"port_max"`
	AnnouncedIPs    []string      `mapstructure:"announced_ips"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	IncludeLoopback bool          `mapstructure:"include_loopback"`
	GatherTimeout   time.Duration `mapstructure:"gather_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// LimitsConfig holds token bucket settings: Rate per second, Burst tokens.
type LimitsConfig struct {
	TransportRate  float64 `mapstructure:"transport_rate"`
	TransportBurst int     `mapstructure:"transport_burst"`
	SignalRate     float64 `mapstructure:"signal_rate"`
	SignalBurst    int     `mapstructure:"signal_burst"`
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !c.DevAuth && c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required unless dev_auth is set"))
	}
	if c.RTC.PortMax != 0 && c.RTC.PortMax < c.RTC.PortMin {
		errs = append(errs, errors.New("rtc.port_max below rtc.port_min"))
	}
	if c.RTC.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("rtc.connect_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// DefaultFile is config/config.<CONFIG_ENV>.yaml, env defaulting to dev.
func DefaultFile() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

func Load() (*Config, error) {
	return NewLoader(DefaultFile()).Load()
}

// Loader keeps the viper instance so the file can be watched after load.
type Loader struct {
	v        *viper.Viper
	fileName string

	mu      sync.Mutex
	watched bool
}

func NewLoader(fileName string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("dev_auth", false)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("shutdown_grace", "5s")

	v.SetDefault("rtc.udp_port", 0)
	v.SetDefault("rtc.port_min", 40000)
	v.SetDefault("rtc.port_max", 49999)
	v.SetDefault("rtc.announced_ips", []string{})
	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.include_loopback", false)
	v.SetDefault("rtc.gather_timeout", "5s")
	v.SetDefault("rtc.connect_timeout", "15s")

	v.SetDefault("limits.transport_rate", 1.0)
	v.SetDefault("limits.transport_burst", 6)
	v.SetDefault("limits.signal_rate", 30.0)
	v.SetDefault("limits.signal_burst", 60)

	return &Loader{v: v, fileName: fileName}
}

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", l.fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", l.fileName).Msg("loaded config")
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Bool("dev_auth", cfg.DevAuth).Msg("config ready")
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Watch calls onChange with the re-read config every time the file is
// written. Only settings that are safe to change live should be applied.
func (l *Loader) Watch(onChange func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watched {
		return
	}
	l.watched = true
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}
