package database

import (
	"errors"
	"time"

	"github.com/scriptorlab/scriptor/internal/hub"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillServerTimestamps = "2026-07-14_backfill_server_timestamps"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillServerTimestamps, apply: backfillServerTimestamps},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillServerTimestamps repairs rows written before the hub stamped its own receive
// time: a zero server_updated_at_s would make every such row look perpetually dirty to
// pulling clients.
func backfillServerTimestamps(db *gorm.DB) error {
	if err := db.Model(&hub.Note{}).
		Where("server_updated_at_s = 0").
		Update("server_updated_at_s", gorm.Expr("updated_at_s")).Error; err != nil {
		return err
	}
	return db.Model(&hub.Tag{}).
		Where("server_updated_at_s = 0").
		Update("server_updated_at_s", gorm.Expr("updated_at_s")).Error
}
