package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/memorybridge/internal/logging"
	"github.com/zulandar/memorybridge/internal/metrics"
	"github.com/zulandar/memorybridge/internal/models"
)

// ErrLimitExceeded is the denial reason when a hard ceiling is reached.
var ErrLimitExceeded = errors.New("usage: limit exceeded")

// Unlimited is the Remaining value of a policy without a recording cap.
const Unlimited = -1

// Decision is the result of a session start check. A denial is a normal
// result, not an error.
type Decision struct {
	Allowed     bool
	Reason      error // ErrLimitExceeded when denied
	Remaining   int   // recordings left after this one, or Unlimited
	MaxDuration time.Duration
}

// Usage is consumption within the current period.
type Usage struct {
	Recordings int
	Duration   time.Duration
	Comments   int
}

// Delta is an increment applied with RecordUsage.
type Delta struct {
	Recordings int
	Duration   time.Duration
	Comments   int
}

// SignalKind identifies which limit is approaching.
type SignalKind string

const (
	SignalQuota     SignalKind = "quota"
	SignalRetention SignalKind = "retention"
)

// Signal is an advisory notice that a limit is imminent.
type Signal struct {
	UserID    string
	SessionID string // retention signals only
	Kind      SignalKind
	Remaining int // recordings or days left
}

// CanStart decides whether a new recording may start given current usage.
func CanStart(p Policy, u Usage) Decision {
	d := Decision{Allowed: true, Remaining: Unlimited, MaxDuration: p.MaxDuration}
	if p.MaxRecordings <= 0 {
		return d
	}
	if u.Recordings >= p.MaxRecordings {
		return Decision{Allowed: false, Reason: ErrLimitExceeded, Remaining: 0, MaxDuration: p.MaxDuration}
	}
	d.Remaining = p.MaxRecordings - u.Recordings - 1
	return d
}

// LimiterOpts holds dependencies for a Limiter.
type LimiterOpts struct {
	DB         *gorm.DB
	Policies   Policies
	Logger     *zap.Logger
	OnImminent func(Signal)
	Now        func() time.Time
}

// Limiter gates session starts and accounts usage per billing period.
type Limiter struct {
	db         *gorm.DB
	policies   Policies
	log        *zap.Logger
	onImminent func(Signal)
	now        func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(opts LimiterOpts) (*Limiter, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("usage: db is required")
	}
	if _, ok := opts.Policies[DefaultTier]; !ok {
		return nil, fmt.Errorf("usage: policy for tier %q is required", DefaultTier)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		db:         opts.DB,
		policies:   opts.Policies,
		log:        logging.OrNop(opts.Logger),
		onImminent: opts.OnImminent,
		now:        opts.Now,
	}, nil
}

// Policy returns the policy for tier.
func (l *Limiter) Policy(tier string) Policy {
	return l.policies.For(tier)
}

// PeriodBounds returns the calendar-month billing period containing t, in UTC.
func PeriodBounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Current returns the user's usage record for the current period. A user
// with no record yet gets a zero record, which is not persisted.
func (l *Limiter) Current(ctx context.Context, userID string) (models.UsageRecord, error) {
	start, end := PeriodBounds(l.now())
	var rec models.UsageRecord
	err := l.db.WithContext(ctx).Where("user_id = ? AND period_start = ?", userID, start).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.UsageRecord{UserID: userID, PeriodStart: start, PeriodEnd: end}, nil
	}
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("usage: load %s: %w", userID, err)
	}
	if corrupt(rec) {
		l.log.Warn("corrupt usage record, treating as zero usage",
			zap.String("user_id", userID), zap.Uint("record_id", rec.ID))
		return models.UsageRecord{ID: rec.ID, UserID: userID, PeriodStart: start, PeriodEnd: end, Tier: rec.Tier}, nil
	}
	return rec, nil
}

// CanStartSession checks the user's current usage against the tier policy.
func (l *Limiter) CanStartSession(ctx context.Context, userID, tier string) (Decision, error) {
	p := l.policies.For(tier)
	rec, err := l.Current(ctx, userID)
	if err != nil {
		metrics.SessionStarts.WithLabelValues(p.Tier, "error").Inc()
		return Decision{}, err
	}
	d := CanStart(p, usageOf(rec))
	if !d.Allowed {
		metrics.SessionStarts.WithLabelValues(p.Tier, "limit_exceeded").Inc()
		l.log.Info("session start denied",
			zap.String("user_id", userID), zap.String("tier", p.Tier),
			zap.Int("recordings", rec.RecordingCount), zap.Int("max_recordings", p.MaxRecordings))
		return d, nil
	}
	metrics.SessionStarts.WithLabelValues(p.Tier, "allowed").Inc()
	return d, nil
}

// RecordUsage atomically adds delta to the user's current period, creating
// the period record on first use.
func (l *Limiter) RecordUsage(ctx context.Context, userID, tier string, delta Delta) (models.UsageRecord, error) {
	var rec models.UsageRecord
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rec, err = l.apply(tx, userID, tier, delta)
		return err
	})
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("usage: record %s: %w", userID, err)
	}
	l.checkLowWater(userID, tier, delta, rec)
	return rec, nil
}

// ReserveRecording counts one recording inside the caller's transaction,
// typically the one that takes the session lock. It returns
// ErrLimitExceeded when the increment would pass the tier ceiling, so the
// caller's transaction rolls back and nothing is counted.
func (l *Limiter) ReserveRecording(tx *gorm.DB, userID, tier string) error {
	p := l.policies.For(tier)
	delta := Delta{Recordings: 1}
	rec, err := l.apply(tx, userID, tier, delta)
	if err != nil {
		return fmt.Errorf("usage: reserve %s: %w", userID, err)
	}
	if p.MaxRecordings > 0 && rec.RecordingCount > p.MaxRecordings {
		metrics.SessionStarts.WithLabelValues(p.Tier, "limit_exceeded").Inc()
		return fmt.Errorf("usage: reserve %s: %w", userID, ErrLimitExceeded)
	}
	l.checkLowWater(userID, tier, delta, rec)
	return nil
}

func (l *Limiter) apply(tx *gorm.DB, userID, tier string, delta Delta) (models.UsageRecord, error) {
	p := l.policies.For(tier)
	start, end := PeriodBounds(l.now())
	var rec models.UsageRecord

	seed := models.UsageRecord{UserID: userID, PeriodStart: start, PeriodEnd: end, Tier: p.Tier, Version: 1}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return rec, fmt.Errorf("create period: %w", err)
	}

	var existing models.UsageRecord
	if err := tx.Where("user_id = ? AND period_start = ?", userID, start).First(&existing).Error; err != nil {
		return rec, fmt.Errorf("load period: %w", err)
	}
	if corrupt(existing) {
		l.log.Warn("resetting corrupt usage record",
			zap.String("user_id", userID), zap.Uint("record_id", existing.ID))
		if err := tx.Model(&existing).Updates(map[string]interface{}{
			"recording_count":   0,
			"recording_seconds": 0,
			"comment_count":     0,
			"period_end":        end,
		}).Error; err != nil {
			return rec, fmt.Errorf("reset period: %w", err)
		}
	}

	result := tx.Model(&models.UsageRecord{}).
		Where("user_id = ? AND period_start = ?", userID, start).
		Updates(map[string]interface{}{
			"recording_count":   gorm.Expr("recording_count + ?", delta.Recordings),
			"recording_seconds": gorm.Expr("recording_seconds + ?", int64(delta.Duration/time.Second)),
			"comment_count":     gorm.Expr("comment_count + ?", delta.Comments),
			"version":           gorm.Expr("version + 1"),
			"tier":              p.Tier,
		})
	if result.Error != nil {
		return rec, fmt.Errorf("increment: %w", result.Error)
	}
	if err := tx.Where("user_id = ? AND period_start = ?", userID, start).First(&rec).Error; err != nil {
		return rec, fmt.Errorf("reload period: %w", err)
	}
	return rec, nil
}

func (l *Limiter) checkLowWater(userID, tier string, delta Delta, rec models.UsageRecord) {
	p := l.policies.For(tier)
	if delta.Recordings <= 0 || p.MaxRecordings <= 0 {
		return
	}
	after := p.MaxRecordings - rec.RecordingCount
	before := after + delta.Recordings
	if before > p.QuotaLowWater && after <= p.QuotaLowWater {
		l.signal(Signal{UserID: userID, Kind: SignalQuota, Remaining: max(after, 0)})
	}
}

func (l *Limiter) signal(s Signal) {
	metrics.LowWaterSignals.WithLabelValues(string(s.Kind)).Inc()
	l.log.Info("usage limit imminent",
		zap.String("user_id", s.UserID), zap.String("kind", string(s.Kind)), zap.Int("remaining", s.Remaining))
	if l.onImminent != nil {
		l.onImminent(s)
	}
}

func usageOf(rec models.UsageRecord) Usage {
	return Usage{
		Recordings: rec.RecordingCount,
		Duration:   time.Duration(rec.RecordingSeconds) * time.Second,
		Comments:   rec.CommentCount,
	}
}

func corrupt(rec models.UsageRecord) bool {
	return rec.RecordingCount < 0 || rec.RecordingSeconds < 0 || rec.CommentCount < 0 ||
		!rec.PeriodEnd.After(rec.PeriodStart)
}
