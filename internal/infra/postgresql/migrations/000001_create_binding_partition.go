package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"gorm.io/gorm"
)

func createBindingPartitionTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_binding_partition",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.PartitionModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.PartitionModel{})
		},
	}
}
