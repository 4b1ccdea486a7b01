package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/koenji/internal/reservations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillLastEditedOn = "2025-03-01_backfill_last_edited_on"

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
		{name: migrationBackfillLastEditedOn, apply: backfillLastEditedOn},
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

// Rows cached before edits were tracked carry a zero edit time.
func backfillLastEditedOn(db *gorm.DB) error {
	return db.Model(&reservations.Record{}).
		Where("last_edited_on_ms = 0").
		Update("last_edited_on_ms", gorm.Expr("creation_date_ms")).Error
}
