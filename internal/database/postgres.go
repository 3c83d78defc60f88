package database

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	applicationName    = "eventlog-api"
	connMaxIdleTime    = 5 * time.Minute
	defaultMaxOpenConn = 10
)

// OpenPostgres establishes a Postgres connection pool through pgx and performs schema
// migrations. Aggregate locks use transaction-scoped advisory locks on this backend.
func OpenPostgres(dsn string, maxOpenConns int, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = make(map[string]string)
	}
	if _, ok := connConfig.RuntimeParams["application_name"]; !ok {
		connConfig.RuntimeParams["application_name"] = applicationName
	}

	sqlDB := stdlib.OpenDB(*connConfig)
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConn
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := migrate(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized",
			zap.String("driver", DriverPostgres),
			zap.String("host", connConfig.Host),
			zap.String("database", connConfig.Database))
	}

	return db, nil
}
