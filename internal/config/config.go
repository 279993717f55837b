// Package config содержит логику чтения конфигурации сервиса growthmart.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Поддерживаемые хранилища леджера.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const defaultSQLitePath = "growthmart.db"

// Config содержит параметры конфигурации сервиса growthmart.
type Config struct {
	RunAddress    string   `env:"RUN_ADDRESS"`
	DatabaseURI   string   `env:"DATABASE_URI"`
	StoreDriver   string   `env:"STORE_DRIVER"`
	AuthSecret    string   `env:"AUTH_SECRET"`
	NotifyURL     string   `env:"NOTIFY_URL"`
	LogLevel      string   `env:"LOG_LEVEL"`
	RetryAttempts int      `env:"LEDGER_RETRY_ATTEMPTS" envDefault:"3"`
	CORSOrigins   []string `env:"CORS_ORIGINS" envSeparator:","`
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
	envStoreDriver := cfg.StoreDriver
	envAuthSecret := cfg.AuthSecret
	envNotifyURL := cfg.NotifyURL
	envLogLevel := cfg.LogLevel

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI or SQLite file path")
	flag.StringVar(&cfg.StoreDriver, "s", DriverPostgres, "ledger store driver: postgres or sqlite")
	flag.StringVar(&cfg.AuthSecret, "k", "", "HS256 secret of the identity provider tokens")
	flag.StringVar(&cfg.NotifyURL, "n", "", "webhook URL for order events")
	flag.StringVar(&cfg.LogLevel, "l", "info", "log level")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStoreDriver != "" {
		cfg.StoreDriver = envStoreDriver
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envNotifyURL != "" {
		cfg.NotifyURL = envNotifyURL
	}
	if envLogLevel != "" {
		cfg.LogLevel = envLogLevel
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
	case DriverSQLite:
		if cfg.DatabaseURI == "" {
			cfg.DatabaseURI = defaultSQLitePath
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("LEDGER_RETRY_ATTEMPTS must be positive, got %d", cfg.RetryAttempts)
	}

	return cfg, nil
}
