package models

import "time"

// SortPreference is the persisted sort/filter choice for one user on one
// device. It is created lazily and overwritten on every change.
type SortPreference struct {
	UserID         string `gorm:"primaryKey;size:64"`
	DeviceID       string `gorm:"primaryKey;size:64"`
	SortKey        string `gorm:"size:16"`
	SortOrder      string `gorm:"size:4"`
	StatusFilter   string `gorm:"size:16"`
	TypeFilter     string `gorm:"size:16"`
	PriorityFilter string `gorm:"size:16"`
	Version        int    `gorm:"default:1"`
	UpdatedAt      time.Time
}

// HintFlag records that a user dismissed a UI hint on a device.
type HintFlag struct {
	UserID      string `gorm:"primaryKey;size:64"`
	DeviceID    string `gorm:"primaryKey;size:64"`
	Hint        string `gorm:"primaryKey;size:64"`
	DismissedAt time.Time
}
