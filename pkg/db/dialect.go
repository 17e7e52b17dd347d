package db

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/settlement/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// sqliteBusyTimeoutMS keeps concurrent billing workers from failing fast on
// SQLITE_BUSY while another worker holds the write lock.
const sqliteBusyTimeoutMS = 5000

var ErrMissingDatabaseName = errors.New("database name is required")

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "postgres", "":
		if cfg.DBName == "" {
			return nil, ErrMissingDatabaseName
		}
		return postgres.Open(postgresDSN(cfg)), nil
	case "mysql":
		if cfg.DBName == "" {
			return nil, ErrMissingDatabaseName
		}
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		)), nil
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg.DBPath)), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

func postgresDSN(cfg config.Config) string {
	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	appName := cfg.AppName
	if appName == "" {
		appName = "settlement"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC application_name=%s",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		sslMode,
		appName,
	)
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "settlement.db"
	}
	if strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(sqliteBusyTimeoutMS))
	params.Set("_journal_mode", "WAL")
	return path + "?" + params.Encode()
}
