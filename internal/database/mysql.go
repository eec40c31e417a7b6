package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func openMySQL(cfg Config) (*gorm.DB, error) {
	dsn, err := buildMySQLDSN(cfg)
	if err != nil {
		return nil, err
	}
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

// buildMySQLDSN assembles a go-sql-driver DSN. An explicit cfg.DSN wins;
// otherwise user and database name are mandatory and the rest falls back to
// local defaults. parseTime is forced on so gorm scans DATETIME columns into
// time.Time.
func buildMySQLDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.User == "" || cfg.Name == "" {
		return "", errors.New("mysql configuration requires user and database name")
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	credentials := cfg.User
	if cfg.Password != "" {
		credentials = cfg.User + ":" + cfg.Password
	}

	options := map[string]string{
		"charset":   "utf8mb4",
		"parseTime": "True",
		"loc":       "Local",
	}
	for key, value := range cfg.Options {
		options[key] = value
	}

	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s",
		credentials, host, port, cfg.Name, encodeOptions(options, "&")), nil
}

// encodeOptions renders key=value pairs in sorted key order so generated
// DSNs are deterministic.
func encodeOptions(options map[string]string, sep string) string {
	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+options[key])
	}
	return strings.Join(pairs, sep)
}
