// Package database opens the event log store and keeps its schema current.
package database

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/eventlog/internal/eventlog"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver indicates a driver name Open does not know.
var ErrUnsupportedDriver = errors.New("database: unsupported driver")

// Options selects and configures the backing store.
type Options struct {
	Driver       string
	Path         string
	DSN          string
	MaxOpenConns int
}

// Open connects to the configured store and applies schema migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	switch options.Driver {
	case DriverSQLite, "":
		return OpenSQLite(options.Path, logger)
	case DriverPostgres:
		return OpenPostgres(options.DSN, options.MaxOpenConns, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, options.Driver)
	}
}

// gormConfig silences gorm's own SQL logging; failures surface as returned errors.
func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gormlogger.New(
			log.New(io.Discard, "", log.LstdFlags),
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormlogger.Silent,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	}
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(eventlog.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
