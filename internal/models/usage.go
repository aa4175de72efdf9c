package models

import "time"

// UsageRecord counts a user's consumption within one billing period.
// Counters are only ever changed with SQL-side increments.
type UsageRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	UserID           string    `gorm:"size:64;not null;uniqueIndex:idx_usage_period"`
	PeriodStart      time.Time `gorm:"not null;uniqueIndex:idx_usage_period"`
	PeriodEnd        time.Time `gorm:"not null"`
	Tier             string    `gorm:"size:16;default:free"`
	RecordingCount   int       `gorm:"default:0"`
	RecordingSeconds int64     `gorm:"default:0"`
	CommentCount     int       `gorm:"default:0"`
	Version          int       `gorm:"default:1"`
	UpdatedAt        time.Time
}

// RecordingMinutes returns the recorded time rounded up to whole minutes.
func (u UsageRecord) RecordingMinutes() int {
	return int((u.RecordingSeconds + 59) / 60)
}
