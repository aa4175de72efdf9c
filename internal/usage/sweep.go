package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/memorybridge/internal/logging"
	"github.com/zulandar/memorybridge/internal/metrics"
	"github.com/zulandar/memorybridge/internal/models"
	"github.com/zulandar/memorybridge/internal/session"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SweeperOpts holds dependencies for a Sweeper.
type SweeperOpts struct {
	DB           *gorm.DB
	Policies     Policies
	Schedule     string // 5-field cron expression
	LowWaterDays int
	StaleAfter   time.Duration
	Logger       *zap.Logger
	OnImminent   func(Signal)
	Now          func() time.Time
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	TimedOut   int64
	Backfilled int
	Deleted    int
	Signals    int
}

// Sweeper periodically enforces retention: it force-closes stale sessions,
// assigns missing retention deadlines, deletes expired sessions and emits
// retention low-water signals.
type Sweeper struct {
	db           *gorm.DB
	policies     Policies
	schedule     cron.Schedule
	expr         string
	lowWaterDays int
	staleAfter   time.Duration
	log          *zap.Logger
	onImminent   func(Signal)
	now          func() time.Time

	cron    *cron.Cron
	lastRun time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("usage: db is required")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("usage: invalid sweep schedule %q: %w", opts.Schedule, err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		db:           opts.DB,
		policies:     opts.Policies,
		schedule:     sched,
		expr:         opts.Schedule,
		lowWaterDays: opts.LowWaterDays,
		staleAfter:   opts.StaleAfter,
		log:          logging.OrNop(opts.Logger),
		onImminent:   opts.OnImminent,
		now:          opts.Now,
	}, nil
}

// Next returns the next scheduled sweep after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start runs SweepOnce on the configured schedule until Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.cron = cron.New(cron.WithParser(cronParser))
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log.Warn("retention sweep failed", zap.Error(err))
		}
	}))
	s.cron.Start()
	s.log.Info("retention sweeper started", zap.String("schedule", s.expr))
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// SweepOnce performs one sweep. Per-session failures are logged and do not
// stop the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	db := s.db.WithContext(ctx)

	n, err := session.ExpireStale(db, s.staleAfter)
	if err != nil {
		return res, fmt.Errorf("usage: sweep: %w", err)
	}
	res.TimedOut = n

	res.Backfilled, err = s.backfill(db)
	if err != nil {
		return res, fmt.Errorf("usage: sweep: %w", err)
	}

	var expired []models.Session
	if err := db.Where("active = ? AND retention_deadline IS NOT NULL AND retention_deadline <= ?", false, now).
		Find(&expired).Error; err != nil {
		return res, fmt.Errorf("usage: sweep: find expired: %w", err)
	}
	for _, sess := range expired {
		if err := session.Delete(db, sess.ID); err != nil {
			s.log.Warn("retention delete failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		res.Deleted++
		metrics.RetentionDeleted.Inc()
	}
	if res.Deleted > 0 {
		s.log.Info("retention sweep deleted sessions", zap.Int("count", res.Deleted))
	}

	res.Signals, err = s.signalImminent(db, now)
	if err != nil {
		return res, fmt.Errorf("usage: sweep: %w", err)
	}
	s.lastRun = now
	return res, nil
}

// backfill assigns retention deadlines to ended sessions that have none,
// such as sessions force-closed after a crash.
func (s *Sweeper) backfill(db *gorm.DB) (int, error) {
	var tiers []string
	for name, p := range s.policies {
		if p.Retention > 0 {
			tiers = append(tiers, name)
		}
	}
	if len(tiers) == 0 {
		return 0, nil
	}

	var pending []models.Session
	if err := db.Where("active = ? AND ended_at IS NOT NULL AND retention_deadline IS NULL AND tier IN ?", false, tiers).
		Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("find sessions without deadline: %w", err)
	}
	count := 0
	for _, sess := range pending {
		deadline, ok := RetentionDeadline(s.policies.For(sess.Tier), *sess.EndedAt)
		if !ok {
			continue
		}
		if err := db.Model(&models.Session{}).Where("id = ?", sess.ID).
			Update("retention_deadline", deadline).Error; err != nil {
			s.log.Warn("retention backfill failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// signalImminent emits a retention signal for each session whose remaining
// days crossed the low-water mark since the previous sweep.
func (s *Sweeper) signalImminent(db *gorm.DB, now time.Time) (int, error) {
	if s.lowWaterDays <= 0 {
		return 0, nil
	}
	window := time.Duration(s.lowWaterDays) * 24 * time.Hour
	var soon []models.Session
	if err := db.Where("active = ? AND retention_deadline > ? AND retention_deadline <= ?", false, now, now.Add(window)).
		Find(&soon).Error; err != nil {
		return 0, fmt.Errorf("find expiring sessions: %w", err)
	}
	count := 0
	for _, sess := range soon {
		if !s.lastRun.IsZero() && sess.RetentionDeadline.Sub(s.lastRun) <= window {
			continue
		}
		sig := Signal{
			UserID:    sess.UserID,
			SessionID: sess.ID,
			Kind:      SignalRetention,
			Remaining: DaysLeft(sess.RetentionDeadline.Sub(now)),
		}
		metrics.LowWaterSignals.WithLabelValues(string(sig.Kind)).Inc()
		if s.onImminent != nil {
			s.onImminent(sig)
		}
		count++
	}
	return count, nil
}

// CheckSession is the lazy on-access check for read paths. It loads the
// session and reports whether it is past its retention deadline, leaving
// deletion to the next sweep.
func (s *Sweeper) CheckSession(ctx context.Context, id string) (*models.Session, bool, error) {
	sess, err := session.Get(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, false, fmt.Errorf("usage: check session: %w", err)
	}
	return sess, Expired(*sess, s.now()), nil
}

// Expired reports whether the session is past its retention deadline.
func Expired(sess models.Session, now time.Time) bool {
	return sess.RetentionDeadline != nil && !now.Before(*sess.RetentionDeadline)
}
