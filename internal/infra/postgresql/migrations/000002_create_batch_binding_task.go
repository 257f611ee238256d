package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"gorm.io/gorm"
)

func createBatchTaskTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_batch_binding_task",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchTaskModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_batch_binding_task_status_updated ON batch_binding_task (status, updated_at)`,
				`CREATE INDEX IF NOT EXISTS idx_batch_binding_task_created ON batch_binding_task (created_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchTaskModel{})
		},
	}
}
