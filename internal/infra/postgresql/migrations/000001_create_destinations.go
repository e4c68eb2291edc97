package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/smshook/internal/repository"
	"gorm.io/gorm"
)

func createDestinationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_destinations",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DestinationModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_destinations_order ON destinations (priority, position)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DestinationModel{})
		},
	}
}
