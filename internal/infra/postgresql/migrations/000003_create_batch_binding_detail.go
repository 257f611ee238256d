package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"gorm.io/gorm"
)

func createBatchDetailTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_batch_binding_detail",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchDetailModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_binding_detail_task_seq ON batch_binding_detail (task_id, seq)`,
				`CREATE INDEX IF NOT EXISTS idx_batch_binding_detail_task_status ON batch_binding_detail (task_id, status)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchDetailModel{})
		},
	}
}
