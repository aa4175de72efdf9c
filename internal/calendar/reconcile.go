package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/memorybridge/internal/metrics"
	"github.com/zulandar/memorybridge/internal/models"
)

// ErrNoDate is returned when an action has neither a start nor a due date.
var ErrNoDate = errors.New("calendar: action has no date")

// ReconcilerOpts configures a Reconciler.
type ReconcilerOpts struct {
	DB              *gorm.DB
	Store           Store
	CalendarID      string
	DefaultDuration time.Duration
	Logger          *zap.Logger
}

// Reconciler upserts events for actions and pulls external moves back.
type Reconciler struct {
	db         *gorm.DB
	store      Store
	calendarID string
	duration   time.Duration
	logger     *zap.Logger
}

// NewReconciler validates opts.
func NewReconciler(opts ReconcilerOpts) (*Reconciler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("calendar: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("calendar: store is required")
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		db:         opts.DB,
		store:      opts.Store,
		calendarID: opts.CalendarID,
		duration:   opts.DefaultDuration,
		logger:     opts.Logger,
	}, nil
}

// EventFor builds the event for an action. The event starts at the start
// date, or the due date when no start is set, and ends at the due date or
// after the default duration.
func (r *Reconciler) EventFor(a models.Action) (Event, error) {
	var start time.Time
	switch {
	case a.StartDate != nil:
		start = *a.StartDate
	case a.DueDate != nil:
		start = *a.DueDate
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrNoDate, a.ID)
	}
	end := start.Add(r.duration)
	if a.StartDate != nil && a.DueDate != nil && a.DueDate.After(start) {
		end = *a.DueDate
	}
	summary := a.Text
	if a.ModifiedText != "" {
		summary = a.ModifiedText
	}
	desc := a.Notes
	if a.Context != "" {
		if desc != "" {
			desc += "\n\n"
		}
		desc += a.Context
	}
	return Event{Summary: summary, Description: desc, Start: start, End: end}, nil
}

// Upsert creates or updates the action's event. An event deleted out of
// band is recreated and relinked. Calling Upsert again with an unchanged
// action leaves exactly one linked event.
func (r *Reconciler) Upsert(ctx context.Context, a models.Action) error {
	ev, err := r.EventFor(a)
	if err != nil {
		return err
	}

	link, err := r.link(ctx, a.ID)
	if err != nil {
		return err
	}
	if link != nil {
		ev.ID = link.ExternalEventID
		_, err := r.store.Update(ctx, ev)
		if err == nil {
			metrics.CalendarSyncs.WithLabelValues("update", "success").Inc()
			return r.saveLink(ctx, a, ev.ID)
		}
		if !errors.Is(err, ErrEventNotFound) {
			metrics.CalendarSyncs.WithLabelValues("update", "error").Inc()
			return err
		}
		r.logger.Info("linked event missing, recreating",
			zap.String("action_id", a.ID), zap.String("event_id", link.ExternalEventID))
		ev.ID = ""
		created, err := r.store.Create(ctx, ev)
		metrics.CalendarSyncs.WithLabelValues("recreate", metrics.Result(err)).Inc()
		if err != nil {
			return err
		}
		return r.saveLink(ctx, a, created.ID)
	}

	created, err := r.store.Create(ctx, ev)
	metrics.CalendarSyncs.WithLabelValues("create", metrics.Result(err)).Inc()
	if err != nil {
		return err
	}
	return r.saveLink(ctx, a, created.ID)
}

// Pull copies an externally moved event's times back onto the action. A
// deleted event drops the link and leaves the action as it is. Status is
// never written.
func (r *Reconciler) Pull(ctx context.Context, actionID string) (models.Action, bool, error) {
	var a models.Action
	if err := r.db.WithContext(ctx).Where("id = ?", actionID).First(&a).Error; err != nil {
		return a, false, fmt.Errorf("calendar: pull: load action %s: %w", actionID, err)
	}
	link, err := r.link(ctx, actionID)
	if err != nil || link == nil {
		return a, false, err
	}

	ev, err := r.store.Get(ctx, link.ExternalEventID)
	if errors.Is(err, ErrEventNotFound) {
		metrics.CalendarSyncs.WithLabelValues("pull", "success").Inc()
		return a, false, r.Unlink(ctx, actionID)
	}
	metrics.CalendarSyncs.WithLabelValues("pull", metrics.Result(err)).Inc()
	if err != nil {
		return a, false, err
	}

	updates := map[string]interface{}{}
	if a.StartDate != nil {
		if !a.StartDate.Equal(ev.Start) {
			updates["start_date"] = ev.Start
		}
		if a.DueDate != nil && !a.DueDate.Equal(ev.End) {
			updates["due_date"] = ev.End
		}
	} else if a.DueDate == nil || !a.DueDate.Equal(ev.Start) {
		updates["due_date"] = ev.Start
	}
	if len(updates) == 0 {
		return a, false, nil
	}
	if err := r.db.WithContext(ctx).Model(&models.Action{}).Where("id = ?", a.ID).Updates(updates).Error; err != nil {
		return a, false, fmt.Errorf("calendar: pull: update action %s: %w", a.ID, err)
	}
	if err := r.db.WithContext(ctx).Where("id = ?", a.ID).First(&a).Error; err != nil {
		return a, false, fmt.Errorf("calendar: pull: reload action %s: %w", a.ID, err)
	}
	r.logger.Info("pulled calendar change", zap.String("action_id", a.ID), zap.String("event_id", ev.ID))
	return a, true, nil
}

// Unlink forgets the action's event without touching either side.
func (r *Reconciler) Unlink(ctx context.Context, actionID string) error {
	if err := r.db.WithContext(ctx).Where("action_id = ?", actionID).Delete(&models.CalendarLink{}).Error; err != nil {
		return fmt.Errorf("calendar: unlink %s: %w", actionID, err)
	}
	return nil
}

// Link returns the action's link, or nil when it has none.
func (r *Reconciler) Link(ctx context.Context, actionID string) (*models.CalendarLink, error) {
	return r.link(ctx, actionID)
}

func (r *Reconciler) link(ctx context.Context, actionID string) (*models.CalendarLink, error) {
	var l models.CalendarLink
	err := r.db.WithContext(ctx).Where("action_id = ?", actionID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("calendar: load link %s: %w", actionID, err)
	}
	return &l, nil
}

func (r *Reconciler) saveLink(ctx context.Context, a models.Action, eventID string) error {
	l := models.CalendarLink{
		ActionID:        a.ID,
		SessionID:       a.SessionID,
		ExternalEventID: eventID,
		CalendarID:      r.calendarID,
		SyncedAt:        time.Now(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "action_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_event_id", "calendar_id", "synced_at"}),
	}).Create(&l).Error
	if err != nil {
		return fmt.Errorf("calendar: save link %s: %w", a.ID, err)
	}
	return nil
}
