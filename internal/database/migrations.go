package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/eventlog/internal/eventlog"
)

const migrationRepairSequenceHighWater = "2026-10-01_repair_event_log_seq_high_water"

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
		{name: migrationRepairSequenceHighWater, apply: repairSequenceHighWater},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairSequenceHighWater raises every high-water mark to at least the largest sequence
// stored in event_log, inserting marks that are missing. Marks that are already ahead
// are left alone.
func repairSequenceHighWater(db *gorm.DB) error {
	rows, err := db.Model(&eventlog.EventRecord{}).Select("sequence_id", "sequence").Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	highest := make(map[string]eventlog.SequenceNumber)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return err
		}
		sequence, err := eventlog.ParseSequenceNumber(raw)
		if err != nil {
			return fmt.Errorf("event %s/%s: %w", key, raw, err)
		}
		if known, ok := highest[key]; !ok || sequence.Cmp(known) > 0 {
			highest[key] = sequence
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for key, sequence := range highest {
		var records []eventlog.SequenceRecord
		if err := db.Where("id = ?", key).Limit(1).Find(&records).Error; err != nil {
			return err
		}
		if len(records) == 1 {
			current, err := eventlog.ParseSequenceNumber(records[0].Current)
			if err == nil && current.Cmp(sequence) >= 0 {
				continue
			}
		}
		if err := db.Save(&eventlog.SequenceRecord{ID: key, Current: sequence.String()}).Error; err != nil {
			return err
		}
	}
	return nil
}
