// Package sessionstore keeps a GORM-backed SQLite log of the sessions a relay
// server coordinated. It records membership and lifecycle only; no protocol
// traffic ever reaches it.
package sessionstore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// InMemoryDSN creates an ephemeral in-memory database.
	InMemoryDSN = ":memory:"

	dbDirPermissions = 0o750
)

var gormConfig = &gorm.Config{
	Logger: logger.Default.LogMode(logger.Silent),
}

// OpenFile opens (or creates) the database file in dir and migrates it.
func OpenFile(dir, filename string) (*gorm.DB, error) {
	if err := os.MkdirAll(dir, dbDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory: %s", dir)
	}
	return open(filepath.Join(dir, filename))
}

// OpenInMemory opens a migrated database that lives as long as the process.
func OpenInMemory() (*gorm.DB, error) {
	return open(InMemoryDSN)
}

func open(dsn string) (*gorm.DB, error) {
	if dsn != InMemoryDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, errors.Wrap(err, "failed to auto-migrate database schema")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	// a single connection keeps an in-memory database alive and shared
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return db, nil
}

// Close closes the underlying connection.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "failed to close database connection")
}
