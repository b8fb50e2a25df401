/*
Package config loads service configuration from the environment.

PURPOSE:
  All runtime knobs in one struct, populated by envconfig under the
  LEDGER_ prefix. A .env file is honored in development (loaded by main
  via godotenv); production deployments set real environment variables.

VARIABLES:
  LEDGER_ADDR            listen address            (default ":8080")
  LEDGER_STORE_DRIVER    "sqlite" or "postgres"    (default "sqlite")
  LEDGER_SQLITE_PATH     sqlite database file      (default "./extropy.db")
  LEDGER_POSTGRES_DSN    postgres connection string
  LEDGER_KAFKA_BROKERS   broker list; empty disables event publishing
  LEDGER_KAFKA_TOPIC     event topic               (default from events/kafka)
  LEDGER_AUDIT_SCHEDULE  cron spec for the audit   (default "@hourly")
  LEDGER_LOG_LEVEL       logrus level              (default "info")

SEE ALSO:
  - cmd/server/main.go: Consumption
*/
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr string `envconfig:"ADDR" default:":8080"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./extropy.db"`
	PostgresDSN string `envconfig:"POSTGRES_DSN"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC"`

	AuditSchedule string `envconfig:"AUDIT_SCHEDULE" default:"@hourly"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("LEDGER", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	switch cfg.StoreDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == "postgres" && cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("LEDGER_POSTGRES_DSN is required with the postgres driver")
	}
	return cfg, nil
}
