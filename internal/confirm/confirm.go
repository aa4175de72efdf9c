// Package confirm owns the user-driven action lifecycle:
// pending -> {confirmed, modified, rejected, scheduled} -> completed.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/memorybridge/internal/metrics"
	"github.com/zulandar/memorybridge/internal/models"
)

// ValidTransitions defines allowed status transitions. Completed and
// rejected are terminal.
var ValidTransitions = map[string][]string{
	models.StatusPending:   {models.StatusConfirmed, models.StatusModified, models.StatusRejected, models.StatusScheduled},
	models.StatusConfirmed: {models.StatusScheduled, models.StatusCompleted},
	models.StatusModified:  {models.StatusScheduled, models.StatusCompleted},
	models.StatusScheduled: {models.StatusCompleted},
}

var (
	// ErrNotFound is returned when the action does not exist.
	ErrNotFound = errors.New("confirm: action not found")
	// ErrInvalidTransition is returned for a move the lifecycle forbids.
	ErrInvalidTransition = errors.New("confirm: invalid transition")
	// ErrPayloadRequired is returned when modified lacks text or rejected
	// lacks a reason.
	ErrPayloadRequired = errors.New("confirm: payload required")
	// ErrConflict is returned when another writer changed the status first.
	ErrConflict = errors.New("confirm: status changed concurrently")
)

// Notifier is told about completed actions. Failures are logged only.
type Notifier interface {
	ActionCompleted(ctx context.Context, a models.Action, watchers []models.SessionWatcher) error
}

// Scheduler places scheduled actions on the external calendar.
type Scheduler interface {
	Upsert(ctx context.Context, a models.Action) error
}

// Request is one user transition.
type Request struct {
	ActionID     string
	To           string
	ModifiedText string
	Reason       string
	Notes        string
	DueDate      *time.Time
	StartDate    *time.Time
}

// ServiceOpts configures a Service.
type ServiceOpts struct {
	DB            *gorm.DB
	Notifier      Notifier  // optional
	Scheduler     Scheduler // optional
	Logger        *zap.Logger
	NotifyTimeout time.Duration
}

// Service applies transitions.
type Service struct {
	db            *gorm.DB
	notifier      Notifier
	scheduler     Scheduler
	logger        *zap.Logger
	notifyTimeout time.Duration
	wg            sync.WaitGroup
}

// NewService validates opts.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("confirm: db is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 30 * time.Second
	}
	return &Service{
		db:            opts.DB,
		notifier:      opts.Notifier,
		scheduler:     opts.Scheduler,
		logger:        opts.Logger,
		notifyTimeout: opts.NotifyTimeout,
	}, nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to string) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves an action to req.To. Moving to the current status is a
// no-op that returns the action unchanged. The status write is guarded by
// the status it was read with, so a concurrent change yields ErrConflict
// instead of being overwritten.
func (s *Service) Transition(ctx context.Context, req Request) (models.Action, error) {
	a, err := s.get(ctx, req.ActionID)
	if err != nil {
		return models.Action{}, err
	}
	if a.Status == req.To {
		return a, nil
	}
	from := a.Status
	if !IsValidTransition(from, req.To) {
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, req.To)
	}
	switch {
	case req.To == models.StatusModified && strings.TrimSpace(req.ModifiedText) == "":
		return a, fmt.Errorf("%w: modified text is required", ErrPayloadRequired)
	case req.To == models.StatusRejected && strings.TrimSpace(req.Reason) == "":
		return a, fmt.Errorf("%w: reason is required", ErrPayloadRequired)
	}

	now := time.Now()
	updates := map[string]interface{}{"status": req.To}
	switch req.To {
	case models.StatusModified:
		updates["modified_text"] = strings.TrimSpace(req.ModifiedText)
	case models.StatusRejected:
		updates["reason"] = strings.TrimSpace(req.Reason)
	case models.StatusCompleted:
		updates["completed_at"] = now
	}
	if req.To != models.StatusRejected && req.To != models.StatusCompleted && a.ConfirmedAt == nil {
		updates["confirmed_at"] = now
	}
	if req.Notes != "" {
		updates["notes"] = req.Notes
	}
	if req.DueDate != nil {
		updates["due_date"] = *req.DueDate
	}
	if req.StartDate != nil {
		updates["start_date"] = *req.StartDate
	}

	result := s.db.WithContext(ctx).Model(&models.Action{}).
		Where("id = ? AND status = ?", a.ID, from).
		Updates(updates)
	if result.Error != nil {
		return a, fmt.Errorf("confirm: transition %s: %w", a.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		cur, err := s.get(ctx, a.ID)
		if err != nil {
			return a, err
		}
		if cur.Status == req.To {
			return cur, nil
		}
		return cur, fmt.Errorf("%w: %s is now %s", ErrConflict, a.ID, cur.Status)
	}

	a, err = s.get(ctx, a.ID)
	if err != nil {
		return a, err
	}
	metrics.Transitions.WithLabelValues(req.To).Inc()
	s.logger.Info("action transitioned",
		zap.String("action_id", a.ID),
		zap.String("from", from),
		zap.String("to", req.To),
	)

	switch req.To {
	case models.StatusScheduled:
		s.schedule(ctx, a)
	case models.StatusCompleted:
		s.notify(ctx, a)
	}
	return a, nil
}

// Get loads one action.
func (s *Service) Get(ctx context.Context, id string) (models.Action, error) {
	return s.get(ctx, id)
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) get(ctx context.Context, id string) (models.Action, error) {
	var a models.Action
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return a, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return a, fmt.Errorf("confirm: get %s: %w", id, err)
	}
	return a, nil
}

// schedule calls the calendar synchronously. A calendar failure leaves the
// action scheduled; it is retried by a later upsert.
func (s *Service) schedule(ctx context.Context, a models.Action) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Upsert(ctx, a); err != nil {
		s.logger.Warn("calendar upsert failed", zap.String("action_id", a.ID), zap.Error(err))
	}
}

// notify runs in the background and never blocks the transition.
func (s *Service) notify(ctx context.Context, a models.Action) {
	if s.notifier == nil {
		return
	}
	var watchers []models.SessionWatcher
	if err := s.db.WithContext(ctx).Where("session_id = ?", a.SessionID).Find(&watchers).Error; err != nil {
		s.logger.Warn("load watchers", zap.String("session_id", a.SessionID), zap.Error(err))
		return
	}
	if len(watchers) == 0 {
		return
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.notifier.ActionCompleted(nctx, a, watchers); err != nil {
			s.logger.Warn("notify watchers", zap.String("action_id", a.ID), zap.Error(err))
		}
	}()
}
