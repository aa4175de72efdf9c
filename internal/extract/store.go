package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/memorybridge/internal/metrics"
	"github.com/zulandar/memorybridge/internal/models"
)

// DefaultPriority is assigned to candidates that carry no priority.
const DefaultPriority = 5

var validTypes = map[string]bool{
	models.TypeCommitment: true,
	models.TypePromise:    true,
	models.TypeTask:       true,
	models.TypeReminder:   true,
	models.TypeFollowUp:   true,
}

// MergeResult reports what a merge did to the canonical list.
type MergeResult struct {
	Inserted []models.Action
	Merged   int
	Frozen   int
}

// Store is the canonical action list. Every producer goes through Merge,
// and Merge never writes the status column.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a Store backed by db.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("extract: db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// Merge folds candidates into the session's canonical list. A candidate
// whose identity key is new is inserted as pending. A known key keeps the
// higher confidence, takes the newer non-empty due context, due date,
// priority and context, and appends the excerpt. Completed and rejected
// actions are left untouched.
func (s *Store) Merge(ctx context.Context, sessionID, userID string, cands []Candidate) (MergeResult, error) {
	var res MergeResult
	if sessionID == "" {
		return res, fmt.Errorf("extract: merge: session is required")
	}
	for _, c := range cands {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		key := IdentityKey(c.Text, c.Assignee)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing models.Action
			err := tx.Where("session_id = ? AND identity_key = ?", sessionID, key).First(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				a := newAction(sessionID, userID, key, c)
				result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&a)
				if result.Error != nil {
					return fmt.Errorf("insert action: %w", result.Error)
				}
				if result.RowsAffected == 1 {
					res.Inserted = append(res.Inserted, a)
					metrics.ActionsMerged.WithLabelValues("inserted").Inc()
					return nil
				}
				// Another producer inserted the same key first.
				err = tx.Where("session_id = ? AND identity_key = ?", sessionID, key).First(&existing).Error
			}
			if err != nil {
				return fmt.Errorf("load action: %w", err)
			}
			merged, err := mergeInto(tx, &existing, c)
			if err != nil {
				return err
			}
			if merged {
				res.Merged++
				metrics.ActionsMerged.WithLabelValues("merged").Inc()
			} else {
				res.Frozen++
				metrics.ActionsMerged.WithLabelValues("frozen").Inc()
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("extract: merge %s: %w", sessionID, err)
		}
	}
	if len(res.Inserted) > 0 || res.Merged > 0 {
		s.logger.Debug("merged candidates",
			zap.String("session_id", sessionID),
			zap.Int("inserted", len(res.Inserted)),
			zap.Int("merged", res.Merged),
			zap.Int("frozen", res.Frozen),
		)
	}
	return res, nil
}

// List returns the session's canonical actions in insertion order.
func (s *Store) List(ctx context.Context, sessionID string) ([]models.Action, error) {
	var actions []models.Action
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("extract: list %s: %w", sessionID, err)
	}
	return actions, nil
}

// ListForUser returns every action owned by the user.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]models.Action, error) {
	var actions []models.Action
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("extract: list for user %s: %w", userID, err)
	}
	return actions, nil
}

func newAction(sessionID, userID, key string, c Candidate) models.Action {
	typ := c.Type
	if !validTypes[typ] {
		typ = models.TypeTask
	}
	excerpts := []string{}
	if c.Excerpt != "" {
		excerpts = append(excerpts, c.Excerpt)
	}
	raw, _ := json.Marshal(excerpts)
	return models.Action{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		UserID:           userID,
		IdentityKey:      key,
		Text:             strings.TrimSpace(c.Text),
		Type:             typ,
		Assignee:         c.Assignee,
		DueContext:       c.DueContext,
		DueDate:          c.DueDate,
		Priority:         clampPriority(c.Priority),
		Confidence:       c.Confidence,
		SourceExcerpts:   string(raw),
		TranscriptOffset: c.Offset,
		Status:           models.StatusPending,
		Context:          c.Context,
		Realtime:         c.Realtime,
		CreatedAt:        time.Now(),
	}
}

// mergeInto applies c to an existing row. It reports false when the row is
// terminal and nothing was written.
func mergeInto(tx *gorm.DB, a *models.Action, c Candidate) (bool, error) {
	if a.IsTerminal() {
		return false, nil
	}
	updates := map[string]interface{}{
		"confidence": gorm.Expr("CASE WHEN confidence < ? THEN ? ELSE confidence END", c.Confidence, c.Confidence),
	}
	if c.DueContext != "" {
		updates["due_context"] = c.DueContext
	}
	if c.DueDate != nil {
		updates["due_date"] = *c.DueDate
	}
	if c.Priority > 0 {
		updates["priority"] = clampPriority(c.Priority)
	}
	if c.Context != "" {
		updates["context"] = c.Context
	}
	if c.Excerpt != "" {
		excerpts := decodeExcerpts(a.SourceExcerpts)
		if !contains(excerpts, c.Excerpt) {
			raw, err := json.Marshal(append(excerpts, c.Excerpt))
			if err != nil {
				return false, fmt.Errorf("encode excerpts: %w", err)
			}
			updates["source_excerpts"] = string(raw)
		}
	}

	result := tx.Model(&models.Action{}).
		Where("id = ? AND status NOT IN ?", a.ID, []string{models.StatusCompleted, models.StatusRejected}).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("merge action %s: %w", a.ID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func decodeExcerpts(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// Excerpts decodes an action's source excerpts.
func Excerpts(a models.Action) []string {
	return decodeExcerpts(a.SourceExcerpts)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clampPriority(p int) int {
	switch {
	case p <= 0:
		return DefaultPriority
	case p > 10:
		return 10
	}
	return p
}
