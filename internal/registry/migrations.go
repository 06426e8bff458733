package registry

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"example.com/jit-scheduler/internal/model"
)

func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20260301_create_rule_records",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS pgcrypto;").Error; err != nil {
					return err
				}
				if err := tx.AutoMigrate(&model.RuleRecord{}, &model.RuleAudit{}); err != nil {
					return err
				}
				if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_rule_records_addresses ON rule_records USING gin (addresses);`).Error; err != nil {
					return err
				}
				return tx.Exec(`ALTER TABLE rule_records DROP CONSTRAINT IF EXISTS rule_status_check;
					ALTER TABLE rule_records ADD CONSTRAINT rule_status_check
					CHECK (status IN ('PendingCreate','Active','PendingDelete','Deleted','Failed'));`).Error
			},
			Rollback: func(tx *gorm.DB) error { return tx.Migrator().DropTable("rule_audits", "rule_records") },
		},
		{
			ID: "20260315_add_rule_schedule_check",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`ALTER TABLE rule_records DROP CONSTRAINT IF EXISTS rule_schedule_check;
					ALTER TABLE rule_records ADD CONSTRAINT rule_schedule_check
					CHECK (scheduled_start IS NULL OR scheduled_end IS NULL OR scheduled_end >= scheduled_start);`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`ALTER TABLE rule_records DROP CONSTRAINT IF EXISTS rule_schedule_check;`).Error
			},
		},
	}
}

// Migrate applies all pending schema migrations.
func Migrate(db *gorm.DB) error {
	return gormigrate.New(db, gormigrate.DefaultOptions, Migrations()).Migrate()
}
