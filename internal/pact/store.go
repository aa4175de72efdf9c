package pact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/memorybridge/internal/models"
)

// ErrPersistenceUnavailable is returned when the preference store cannot
// be read or written. Load still returns the default view alongside it.
var ErrPersistenceUnavailable = errors.New("pact: preference store unavailable")

// PreferenceStore persists one Query per user and device.
type PreferenceStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPreferenceStore creates a store backed by db.
func NewPreferenceStore(db *gorm.DB, logger *zap.Logger) (*PreferenceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pact: db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceStore{db: db, logger: logger}, nil
}

// Load returns the stored view. A missing or corrupt preference yields the
// default view with a nil error.
func (s *PreferenceStore) Load(ctx context.Context, userID, deviceID string) (Query, error) {
	var p models.SortPreference
	err := s.db.WithContext(ctx).Where("user_id = ? AND device_id = ?", userID, deviceID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultQuery(), nil
	}
	if err != nil {
		s.logger.Warn("load sort preference", zap.String("user_id", userID), zap.Error(err))
		return DefaultQuery(), fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	q := Query{
		Sort:     p.SortKey,
		Order:    p.SortOrder,
		Status:   p.StatusFilter,
		Type:     p.TypeFilter,
		Priority: p.PriorityFilter,
	}.Normalize()
	if err := q.Validate(); err != nil {
		s.logger.Warn("corrupt sort preference, using default",
			zap.String("user_id", userID), zap.String("device_id", deviceID), zap.Error(err))
		return DefaultQuery(), nil
	}
	return q, nil
}

// Save validates q and overwrites the stored view.
func (s *PreferenceStore) Save(ctx context.Context, userID, deviceID string, q Query) (Query, error) {
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	p := models.SortPreference{
		UserID:         userID,
		DeviceID:       deviceID,
		SortKey:        q.Sort,
		SortOrder:      q.Order,
		StatusFilter:   q.Status,
		TypeFilter:     q.Type,
		PriorityFilter: q.Priority,
		Version:        1,
		UpdatedAt:      time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"sort_key":        p.SortKey,
			"sort_order":      p.SortOrder,
			"status_filter":   p.StatusFilter,
			"type_filter":     p.TypeFilter,
			"priority_filter": p.PriorityFilter,
			"updated_at":      p.UpdatedAt,
			"version":         gorm.Expr("version + 1"),
		}),
	}).Create(&p).Error
	if err != nil {
		return Query{}, fmt.Errorf("%w: save: %v", ErrPersistenceUnavailable, err)
	}
	return q, nil
}

// Reset deletes the stored view so the default applies again.
func (s *PreferenceStore) Reset(ctx context.Context, userID, deviceID string) error {
	err := s.db.WithContext(ctx).Where("user_id = ? AND device_id = ?", userID, deviceID).
		Delete(&models.SortPreference{}).Error
	if err != nil {
		return fmt.Errorf("%w: reset: %v", ErrPersistenceUnavailable, err)
	}
	return nil
}

// DismissHint records that a hint was dismissed. Repeats are no-ops.
func (s *PreferenceStore) DismissHint(ctx context.Context, userID, deviceID, hint string) error {
	if hint == "" {
		return fmt.Errorf("pact: hint is required")
	}
	flag := models.HintFlag{UserID: userID, DeviceID: deviceID, Hint: hint, DismissedAt: time.Now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&flag).Error; err != nil {
		return fmt.Errorf("%w: dismiss hint: %v", ErrPersistenceUnavailable, err)
	}
	return nil
}

// HintDismissed reports whether the hint was dismissed. Lookup failures
// report false.
func (s *PreferenceStore) HintDismissed(ctx context.Context, userID, deviceID, hint string) bool {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.HintFlag{}).
		Where("user_id = ? AND device_id = ? AND hint = ?", userID, deviceID, hint).
		Count(&n).Error
	if err != nil {
		s.logger.Warn("load hint flag", zap.String("hint", hint), zap.Error(err))
		return false
	}
	return n > 0
}

// DismissedHints lists the hints dismissed on a device.
func (s *PreferenceStore) DismissedHints(ctx context.Context, userID, deviceID string) ([]string, error) {
	var hints []string
	err := s.db.WithContext(ctx).Model(&models.HintFlag{}).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Order("hint ASC").Pluck("hint", &hints).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list hints: %v", ErrPersistenceUnavailable, err)
	}
	return hints, nil
}
