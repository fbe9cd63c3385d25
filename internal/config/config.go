package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Host      string `env:"HOST" envDefault:"0.0.0.0"`
	Port      int    `env:"PORT" envDefault:"8000"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	AuthKey       string   `env:"AUTH_KEY,required,notEmpty"`
	RefreshTokens []string `env:"REFRESH_TOKENS" envSeparator:","`

	UpstreamBaseURL         string        `env:"UPSTREAM_BASE_URL" envDefault:"https://www.kimi.com"`
	AccessTokenTTL          time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"300s"`
	MaxConnections          int           `env:"MAX_CONNECTIONS" envDefault:"600"`
	MaxKeepaliveConnections int           `env:"MAX_KEEPALIVE_CONNECTIONS" envDefault:"500"`
	KeepaliveExpiry         Seconds       `env:"KEEPALIVE_EXPIRY" envDefault:"10"`
	RequestTimeout          time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	MaxTurnBytes            int64         `env:"MAX_TURN_BYTES" envDefault:"16777216"`

	// Empty DatabaseURL keeps the token registry in memory and disables
	// turn recording.
	DatabaseURL      string `env:"DATABASE_URL"`
	RedisURL         string `env:"REDIS_URL"`
	NATSStoreDir     string `env:"NATS_STORE_DIR" envDefault:"data/nats"`
	WriterBufferSize int    `env:"WRITER_BUFFER_SIZE" envDefault:"10000"`
	WriterBatchSize  int    `env:"WRITER_BATCH_SIZE" envDefault:"100"`
	WriterFlushMs    int    `env:"WRITER_FLUSH_MS" envDefault:"100"`

	TokenCleanupSchedule string   `env:"TOKEN_CLEANUP_SCHEDULE" envDefault:"@every 24h"`
	ConfigFile           string   `env:"CONFIG_FILE"`
	AllowedOrigins       []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.RefreshTokens = compact(cfg.RefreshTokens)
	if cfg.MaxConnections < 1 || cfg.MaxKeepaliveConnections < 0 {
		return nil, fmt.Errorf("connection limits must be positive")
	}
	return cfg, nil
}

// LiveSettings is the part of cfg that can change while running.
func (c *Config) LiveSettings() Settings {
	return Settings{
		AuthKey:                 c.AuthKey,
		Host:                    c.Host,
		Port:                    c.Port,
		MaxConnections:          c.MaxConnections,
		MaxKeepaliveConnections: c.MaxKeepaliveConnections,
		KeepaliveExpiry:         c.KeepaliveExpiry.Duration(),
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Seconds is a duration that also accepts a bare number of seconds.
type Seconds time.Duration

func (s *Seconds) UnmarshalText(text []byte) error {
	d, err := parseSeconds(string(text))
	if err != nil {
		return err
	}
	*s = Seconds(d)
	return nil
}

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", v)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}
