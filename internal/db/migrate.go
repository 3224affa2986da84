package db

import (
	"fmt"

	"github.com/stylelicense/jobyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the coordinator persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Account{},
		&models.LedgerEntry{},
		&models.Job{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// OpenMemory opens a migrated in-memory SQLite database. Used by tests and
// by `yard serve --ephemeral`.
func OpenMemory() (*gorm.DB, error) {
	gdb, err := ConnectSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}
