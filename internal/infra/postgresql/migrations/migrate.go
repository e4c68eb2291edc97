package migrations

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

var options = &gormigrate.Options{
	TableName:                 "smshook_migrations",
	IDColumnName:              "id",
	IDColumnSize:              255,
	UseTransaction:            true,
	ValidateUnknownMigrations: true,
}

func all() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		createDestinationsTable(),
	}
}

// Migrate applies every pending migration in one transaction.
func Migrate(db *gorm.DB) error {
	if err := gormigrate.New(db, options, all()).Migrate(); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
