package models

import "time"

// Session status values.
const (
	SessionActive   = "active"
	SessionClosed   = "closed"
	SessionTimedOut = "timed_out"
	SessionFailed   = "failed"
)

// Session is one recorded conversation. The single-session lock uses the
// Active flag and LastHeartbeat to keep at most one live recording per user.
type Session struct {
	ID                string    `gorm:"primaryKey;size:36"`
	UserID            string    `gorm:"size:64;not null;index"`
	Tier              string    `gorm:"size:16;default:free"`
	Status            string    `gorm:"size:16;default:active;index"`
	Active            bool      `gorm:"index"`
	MeetingType       string    `gorm:"size:16"` // formal, informal, family, medical
	EnergyLevel       *int      // optional 1-10 self report
	EmotionalContext  string    `gorm:"type:text"`
	DurationSeconds   int       `gorm:"default:0"`
	LastHeartbeat     time.Time `gorm:"index"`
	StartedAt         time.Time
	EndedAt           *time.Time
	RetentionDeadline *time.Time `gorm:"index"`

	Participants []Participant       `gorm:"foreignKey:SessionID"`
	Watchers     []SessionWatcher    `gorm:"foreignKey:SessionID"`
	Segments     []TranscriptSegment `gorm:"foreignKey:SessionID"`
}

// Participant is a person present in a recorded conversation.
type Participant struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	SessionID    string `gorm:"size:36;not null;index"`
	Name         string `gorm:"size:128;not null"`
	Relationship string `gorm:"size:64"`
}

// SessionWatcher is someone notified when an action from the session completes.
type SessionWatcher struct {
	SessionID string `gorm:"primaryKey;size:36"`
	WatcherID string `gorm:"primaryKey;size:64"`
	Platform  string `gorm:"size:16;default:slack"` // slack, discord
	ChannelID string `gorm:"size:128"`
}

// TranscriptSegment is one finalized transcript fragment. Interim text is
// never persisted.
type TranscriptSegment struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	SessionID   string  `gorm:"size:36;not null;uniqueIndex:idx_segment_seq"`
	Generation  int     `gorm:"not null;uniqueIndex:idx_segment_seq"`
	ProviderSeq int     `gorm:"not null;uniqueIndex:idx_segment_seq"`
	Position    int     `gorm:"not null;index"`
	Text        string  `gorm:"type:text;not null"`
	Confidence  float64 `gorm:"default:0"`
	CreatedAt   time.Time
}
