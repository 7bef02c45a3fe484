// Package config содержит логику чтения конфигурации сервиса наград.
package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const tokenKeySize = 32

// Config содержит параметры конфигурации сервиса наград.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	TokenSecret   string `env:"TOKEN_SECRET"`
	AuthSecret    string `env:"AUTH_SECRET"`
	AuditEndpoint string `env:"AUDIT_ENDPOINT"`

	TokenTTL      time.Duration `env:"TOKEN_TTL" envDefault:"5m"`
	RedemptionTTL time.Duration `env:"REDEMPTION_TTL" envDefault:"168h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	Timezone      string        `env:"TIMEZONE" envDefault:"UTC"`
	AuditBuffer   int           `env:"AUDIT_BUFFER" envDefault:"1024"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envTokenSecret := cfg.TokenSecret
	envAuthSecret := cfg.AuthSecret
	envAuditEndpoint := cfg.AuditEndpoint

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.TokenSecret, "k", "", "hex-encoded 32-byte key for redemption tokens")
	flag.StringVar(&cfg.AuthSecret, "j", "", "HS256 secret of access tokens")
	flag.StringVar(&cfg.AuditEndpoint, "r", "", "compliance audit endpoint")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envTokenSecret != "" {
		cfg.TokenSecret = envTokenSecret
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envAuditEndpoint != "" {
		cfg.AuditEndpoint = envAuditEndpoint
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет значения параметров.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.TokenKey(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"TOKEN_TTL":      c.TokenTTL,
		"REDEMPTION_TTL": c.RedemptionTTL,
		"SWEEP_INTERVAL": c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.AuditBuffer <= 0 {
		errs = append(errs, fmt.Errorf("AUDIT_BUFFER must be positive, got %d", c.AuditBuffer))
	}
	return errors.Join(errs...)
}

// TokenKey возвращает ключ подписи токенов. Пустой секрет даёт nil.
func (c *Config) TokenKey() ([]byte, error) {
	if c.TokenSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_SECRET: %w", err)
	}
	if len(key) != tokenKeySize {
		return nil, fmt.Errorf("TOKEN_SECRET must be %d bytes, got %d", tokenKeySize, len(key))
	}
	return key, nil
}

// Location возвращает часовой пояс, определяющий границы дня для серий.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}
