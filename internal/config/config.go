package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	SettlementModeAuto = "auto"
	SettlementModeSaga = "saga"
)

type Config struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	AllowedOrigin  string        `envconfig:"ALLOWED_ORIGIN" default:"*"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`

	DatabaseURL  string        `envconfig:"DATABASE_URL"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`

	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	ProductCacheTTL time.Duration `envconfig:"PRODUCT_CACHE_TTL" default:"30s"`

	AuthSecret     string        `envconfig:"AUTH_SECRET"`
	AuthRequired   bool          `envconfig:"AUTH_REQUIRED" default:"false"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`
	BcryptCost     int           `envconfig:"BCRYPT_COST" default:"10"`
	LoginRateLimit int           `envconfig:"LOGIN_RATE_LIMIT" default:"5"`

	AllowNegativeStock bool    `envconfig:"ALLOW_NEGATIVE_STOCK" default:"false"`
	SettlementMode     string  `envconfig:"SETTLEMENT_MODE" default:"auto"`
	SettlementEpsilon  float64 `envconfig:"SETTLEMENT_EPSILON" default:"0.01"`

	LogMode string `envconfig:"LOG_MODE" default:"development"`
	LogFile string `envconfig:"LOG_FILE"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.SettlementMode = strings.ToLower(strings.TrimSpace(cfg.SettlementMode))
	if cfg.SettlementMode == "" {
		cfg.SettlementMode = SettlementModeAuto
	}
	if cfg.SettlementMode != SettlementModeAuto && cfg.SettlementMode != SettlementModeSaga {
		return Config{}, fmt.Errorf("SETTLEMENT_MODE must be %q or %q, got %q", SettlementModeAuto, SettlementModeSaga, cfg.SettlementMode)
	}
	if cfg.SettlementEpsilon <= 0 {
		cfg.SettlementEpsilon = 0.01
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.LoginRateLimit < 1 {
		cfg.LoginRateLimit = 5
	}

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.LogMode == "production"
}
