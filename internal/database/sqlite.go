// Package database opens the SQLite store and applies schema migrations.
package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/MarcoPoloResearchLab/cedars/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cedars/internal/logging"
	"github.com/MarcoPoloResearchLab/cedars/internal/reviewers"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const slowQueryThreshold = 200 * time.Millisecond

// Models lists every table owned by the service.
func Models() []any {
	models := adjudication.Models()
	return append(models, &dispatch.JobRecord{}, &reviewers.Reviewer{}, &migrationRecord{})
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The pool is limited to one connection so conditional updates serialize.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logging.NewGormLogger(logger, slowQueryThreshold),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
