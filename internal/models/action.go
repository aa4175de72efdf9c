package models

import "time"

// Action status values.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusModified  = "modified"
	StatusRejected  = "rejected"
	StatusScheduled = "scheduled"
	StatusCompleted = "completed"
)

// Action type values.
const (
	TypeCommitment = "commitment"
	TypePromise    = "promise"
	TypeTask       = "task"
	TypeReminder   = "reminder"
	TypeFollowUp   = "follow_up"
)

// Action is a candidate action extracted from a session transcript. The
// (SessionID, IdentityKey) pair is unique: repeated extraction of the same
// commitment merges into one row.
type Action struct {
	ID               string     `gorm:"primaryKey;size:36"`
	SessionID        string     `gorm:"size:36;not null;uniqueIndex:idx_action_identity"`
	UserID           string     `gorm:"size:64;not null;index"`
	IdentityKey      string     `gorm:"size:64;not null;uniqueIndex:idx_action_identity"`
	Text             string     `gorm:"type:text;not null"`
	Type             string     `gorm:"size:16;default:task;index"`
	Assignee         string     `gorm:"size:128"`
	DueContext       string     `gorm:"size:255"`
	DueDate          *time.Time `gorm:"index"`
	StartDate        *time.Time
	Priority         int        `gorm:"default:5"`
	Confidence       float64    `gorm:"default:0"`
	SourceExcerpts   string     `gorm:"type:json"` // JSON array of transcript excerpts
	TranscriptOffset int        `gorm:"default:0"` // byte offset into the full transcript
	Status           string     `gorm:"size:16;default:pending;index"`
	Notes            string     `gorm:"type:text"`
	Context          string     `gorm:"type:text"` // stated impact
	Reason           string     `gorm:"type:text"` // rejection reason
	ModifiedText     string     `gorm:"type:text"`
	Realtime         bool       `gorm:"default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ConfirmedAt      *time.Time
	CompletedAt      *time.Time
}

// IsTerminal reports whether the action can no longer change status.
func (a Action) IsTerminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusRejected
}

// CalendarLink ties an action to the external calendar event created for
// it. Deleting either side never cascades to the other.
type CalendarLink struct {
	ActionID        string `gorm:"primaryKey;size:36"`
	SessionID       string `gorm:"size:36;index"`
	ExternalEventID string `gorm:"size:255;not null"`
	CalendarID      string `gorm:"size:255"`
	SyncedAt        time.Time
}
