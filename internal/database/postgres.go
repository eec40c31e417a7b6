package database

import (
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func openPostgres(cfg Config) (*gorm.DB, error) {
	dsn, err := buildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// buildPostgresDSN assembles a keyword/value DSN. An explicit cfg.DSN wins;
// otherwise user and database name are mandatory. sslmode defaults to
// disable unless overridden through cfg.Options.
func buildPostgresDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.User == "" || cfg.Name == "" {
		return "", errors.New("postgres configuration requires user and database name")
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s", host, port, cfg.User, cfg.Name)
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}

	options := map[string]string{}
	for key, value := range cfg.Options {
		options[key] = value
	}
	if _, ok := options["sslmode"]; !ok {
		options["sslmode"] = "disable"
	}

	return dsn + " " + encodeOptions(options, " "), nil
}
