package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full process configuration, populated from the
// environment at startup. A .env file is honored in local development.
type Config struct {
	Env      string `env:"ENV" envDefault:"dev"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8081"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	NATSURL     string `env:"NATS_URL"`

	// Static bearer tokens accepted when no DB token matches.
	AuthTokens   []string `env:"AUTH_TOKENS" envSeparator:","`
	JWTSecret    string   `env:"AUTH_JWT_SECRET"`
	JWTPublicKey string   `env:"AUTH_JWT_PUBLIC_KEY"`
	AdminToken   string   `env:"ADMIN_TOKEN"`

	RateLimitMax           int `env:"RATE_LIMIT_MAX" envDefault:"600"`
	RateLimitWindowSeconds int `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`

	OutboxPollIntervalMs int    `env:"OUTBOX_POLL_INTERVAL_MS" envDefault:"2000"`
	OutboxMaxAttempts    int    `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	UpstreamURL          string `env:"UPSTREAM_URL"`

	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"262144"`
}

// Load reads the environment (and an optional .env file) into a Config.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Dev() bool {
	return c.Env == "dev"
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMs) * time.Millisecond
}
