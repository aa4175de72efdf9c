package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/memorybridge/internal/models"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.Participant{},
		&models.SessionWatcher{},
		&models.TranscriptSegment{},
		&models.Action{},
		&models.CalendarLink{},
		&models.SortPreference{},
		&models.HintFlag{},
		&models.UsageRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
