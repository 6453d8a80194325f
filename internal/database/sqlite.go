package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/liftsync/internal/cloud"
	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the device-local SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return open(path, logger, fitness.Models(), clientMigrations())
}

// OpenServerSQLite opens the record store used by the reference sync server.
func OpenServerSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return open(path, logger, cloud.Models(), nil)
}

func open(path string, logger *zap.Logger, models []any, migrations []migrationDefinition) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(append(models, &migrationRecord{})...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger, migrations); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
