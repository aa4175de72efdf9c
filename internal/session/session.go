// Package session persists recorded conversations and enforces the
// one-active-session-per-user lock.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/memorybridge/internal/models"
)

// DefaultStaleAfter is the duration after which an active session's
// heartbeat is considered stale and the session is force-closed.
const DefaultStaleAfter = 2 * time.Minute

// ErrSessionActive is returned when the user already has a live session.
var ErrSessionActive = errors.New("session: another session is already active")

// ErrNotFound is returned when no session matches the given ID.
var ErrNotFound = errors.New("session: not found")

// StartOpts holds parameters for starting a session.
type StartOpts struct {
	UserID           string
	Tier             string
	MeetingType      string
	EnergyLevel      *int
	EmotionalContext string
	Participants     []models.Participant
	Watchers         []models.SessionWatcher
	StaleAfter       time.Duration
	// OnCreate runs inside the start transaction after the session row is
	// written. An error rolls the start back.
	OnCreate func(tx *gorm.DB, s *models.Session) error
}

// Start creates an active session for the user. It first force-closes the
// user's sessions with stale heartbeats, then refuses to start if a live
// session remains. The lookup locks the user's active rows so concurrent
// starts serialize on databases with row locking.
func Start(db *gorm.DB, opts StartOpts) (*models.Session, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("session: start: user is required")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Tier == "" {
		opts.Tier = "free"
	}

	var s *models.Session
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := expireStale(tx.Where("user_id = ?", opts.UserID), opts.StaleAfter); err != nil {
			return err
		}

		var existing models.Session
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND active = ?", opts.UserID, true).First(&existing)
		if result.Error == nil {
			return fmt.Errorf("%w (session %s)", ErrSessionActive, existing.ID)
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check existing session: %w", result.Error)
		}

		now := time.Now()
		id := uuid.New().String()
		for i := range opts.Participants {
			opts.Participants[i].SessionID = id
		}
		for i := range opts.Watchers {
			opts.Watchers[i].SessionID = id
		}
		s = &models.Session{
			ID:               id,
			UserID:           opts.UserID,
			Tier:             opts.Tier,
			Status:           models.SessionActive,
			Active:           true,
			MeetingType:      opts.MeetingType,
			EnergyLevel:      opts.EnergyLevel,
			EmotionalContext: opts.EmotionalContext,
			LastHeartbeat:    now,
			StartedAt:        now,
			Participants:     opts.Participants,
			Watchers:         opts.Watchers,
		}
		if err := tx.Create(s).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if opts.OnCreate != nil {
			return opts.OnCreate(tx, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}
	return s, nil
}

// ExpireStale force-closes every active session whose heartbeat is older
// than staleAfter and returns how many were closed.
func ExpireStale(db *gorm.DB, staleAfter time.Duration) (int64, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	n, err := expireStale(db, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("session: %w", err)
	}
	return n, nil
}

func expireStale(tx *gorm.DB, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	result := tx.Model(&models.Session{}).
		Where("active = ? AND last_heartbeat < ?", true, cutoff).
		Updates(map[string]interface{}{
			"active":   false,
			"status":   models.SessionTimedOut,
			"ended_at": gorm.Expr("last_heartbeat"),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("expire stale sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CloseOpts holds parameters for closing a session.
type CloseOpts struct {
	Status string // closed, timed_out or failed; defaults to closed
	// Retention is how long artifacts are kept after the end. Zero keeps
	// them indefinitely.
	Retention time.Duration
}

// Close ends an active session, recording its duration and retention
// deadline.
func Close(db *gorm.DB, id string, opts CloseOpts) (*models.Session, error) {
	if opts.Status == "" {
		opts.Status = models.SessionClosed
	}
	var s models.Session
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND active = ?", id, true).First(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("session %s not found or not active", id)
			}
			return err
		}
		now := time.Now()
		updates := map[string]interface{}{
			"active":           false,
			"status":           opts.Status,
			"ended_at":         now,
			"duration_seconds": int(now.Sub(s.StartedAt).Seconds()),
		}
		if opts.Retention > 0 {
			updates["retention_deadline"] = now.Add(opts.Retention)
		}
		if err := tx.Model(&s).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&s).Error
	})
	if err != nil {
		return nil, fmt.Errorf("session: close: %w", err)
	}
	return &s, nil
}

// Heartbeat refreshes the LastHeartbeat timestamp for an active session.
func Heartbeat(db *gorm.DB, id string) error {
	result := db.Model(&models.Session{}).
		Where("id = ? AND active = ?", id, true).
		Update("last_heartbeat", time.Now())
	if result.Error != nil {
		return fmt.Errorf("session: heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session: heartbeat: session %s not found or not active", id)
	}
	return nil
}

// Get loads a session with its participants and watchers.
func Get(db *gorm.DB, id string) (*models.Session, error) {
	var s models.Session
	err := db.Preload("Participants").Preload("Watchers").Where("id = ?", id).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	return &s, nil
}

// AppendSegment persists a finalized fragment. Redelivery of the same
// provider sequence is ignored; inserted reports whether a row was written.
func AppendSegment(db *gorm.DB, seg *models.TranscriptSegment) (inserted bool, err error) {
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(seg)
	if result.Error != nil {
		return false, fmt.Errorf("session: append segment %s/%d: %w", seg.SessionID, seg.ProviderSeq, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Transcript returns the finalized transcript text in arrival order.
func Transcript(db *gorm.DB, id string) (string, error) {
	var segs []models.TranscriptSegment
	if err := db.Where("session_id = ?", id).Order("position ASC").Find(&segs).Error; err != nil {
		return "", fmt.Errorf("session: transcript %s: %w", id, err)
	}
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " "), nil
}

// Delete removes a session and every artifact that belongs to it. Calendar
// events in the external store are left untouched.
func Delete(db *gorm.DB, id string) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{
			&models.TranscriptSegment{},
			&models.Participant{},
			&models.SessionWatcher{},
			&models.Action{},
			&models.CalendarLink{},
		} {
			if err := tx.Where("session_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", id).Delete(&models.Session{}).Error
	})
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	return nil
}
