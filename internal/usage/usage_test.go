package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zulandar/memorybridge/internal/config"
	"github.com/zulandar/memorybridge/internal/db"
	"github.com/zulandar/memorybridge/internal/models"
)

func testPolicies() Policies {
	return PoliciesFromConfig(config.DefaultTiers())
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	return gdb
}

func newTestLimiter(t *testing.T, gdb *gorm.DB, onImminent func(Signal)) *Limiter {
	t.Helper()
	l, err := NewLimiter(LimiterOpts{DB: gdb, Policies: testPolicies(), OnImminent: onImminent})
	require.NoError(t, err)
	return l
}

func TestCanStart(t *testing.T) {
	free := testPolicies().For("free")
	pro := testPolicies().For("pro")

	tests := []struct {
		name          string
		policy        Policy
		used          int
		wantAllowed   bool
		wantRemaining int
	}{
		{"free fresh", free, 0, true, 2},
		{"free last slot", free, 2, true, 0},
		{"free at ceiling", free, 3, false, 0},
		{"free over ceiling", free, 5, false, 0},
		{"pro unlimited", pro, 1000, true, Unlimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := CanStart(tt.policy, Usage{Recordings: tt.used})
			assert.Equal(t, tt.wantAllowed, d.Allowed)
			assert.Equal(t, tt.wantRemaining, d.Remaining)
			if !tt.wantAllowed {
				assert.ErrorIs(t, d.Reason, ErrLimitExceeded)
			} else {
				assert.NoError(t, d.Reason)
			}
		})
	}
}

func TestCanStart_ReportsDurationCeiling(t *testing.T) {
	d := CanStart(testPolicies().For("free"), Usage{})
	assert.Equal(t, 30*time.Minute, d.MaxDuration)
}

func TestPolicies_UnknownTierFallsBackToFree(t *testing.T) {
	p := testPolicies().For("platinum")
	assert.Equal(t, "free", p.Tier)
	assert.Equal(t, 3, p.MaxRecordings)
}

func TestNewLimiter_Validation(t *testing.T) {
	_, err := NewLimiter(LimiterOpts{Policies: testPolicies()})
	assert.Error(t, err)

	_, err = NewLimiter(LimiterOpts{DB: openTestDB(t), Policies: Policies{"pro": {}}})
	assert.Error(t, err)
}

func TestCanStartSession_FreeUserAtCeilingDenied(t *testing.T) {
	gdb := openTestDB(t)
	l := newTestLimiter(t, gdb, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CanStartSession(ctx, "alice", "free")
		require.NoError(t, err)
		require.True(t, d.Allowed, "recording %d should be allowed", i+1)
		_, err = l.RecordUsage(ctx, "alice", "free", Delta{Recordings: 1, Duration: 10 * time.Minute})
		require.NoError(t, err)
	}

	d, err := l.CanStartSession(ctx, "alice", "free")
	require.NoError(t, err, "a denial is a result, not an error")
	assert.False(t, d.Allowed)
	assert.True(t, errors.Is(d.Reason, ErrLimitExceeded))

	var count int64
	gdb.Model(&models.Session{}).Count(&count)
	assert.Zero(t, count, "no session is created by the check")
}

func TestCanStartSession_NoRecordYet(t *testing.T) {
	l := newTestLimiter(t, openTestDB(t), nil)
	d, err := l.CanStartSession(context.Background(), "newcomer", "free")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestRecordUsage_Accumulates(t *testing.T) {
	l := newTestLimiter(t, openTestDB(t), nil)
	ctx := context.Background()

	_, err := l.RecordUsage(ctx, "alice", "plus", Delta{Recordings: 1, Duration: 90 * time.Second})
	require.NoError(t, err)
	rec, err := l.RecordUsage(ctx, "alice", "plus", Delta{Recordings: 1, Duration: 30 * time.Second, Comments: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, rec.RecordingCount)
	assert.Equal(t, int64(120), rec.RecordingSeconds)
	assert.Equal(t, 2, rec.RecordingMinutes())
	assert.Equal(t, 2, rec.CommentCount)
	assert.Equal(t, "plus", rec.Tier)
	assert.Equal(t, 3, rec.Version)
}

func TestRecordUsage_ConcurrentIncrementsAllApply(t *testing.T) {
	l := newTestLimiter(t, openTestDB(t), nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordUsage(ctx, "alice", "pro", Delta{Recordings: 1, Duration: time.Second})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := l.Current(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, n, rec.RecordingCount)
	assert.Equal(t, int64(n), rec.RecordingSeconds)
}

func TestRecordUsage_NewPeriodStartsFresh(t *testing.T) {
	gdb := openTestDB(t)
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	l, err := NewLimiter(LimiterOpts{DB: gdb, Policies: testPolicies(), Now: func() time.Time { return now }})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.RecordUsage(ctx, "alice", "free", Delta{Recordings: 1})
		require.NoError(t, err)
	}
	d, _ := l.CanStartSession(ctx, "alice", "free")
	assert.False(t, d.Allowed)

	now = now.Add(2 * time.Hour) // February
	d, err = l.CanStartSession(ctx, "alice", "free")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	var periods int64
	gdb.Model(&models.UsageRecord{}).Where("user_id = ?", "alice").Count(&periods)
	assert.Equal(t, int64(1), periods, "February record is created lazily on first use")
}

func TestRecordUsage_QuotaLowWaterSignalOnce(t *testing.T) {
	var signals []Signal
	l := newTestLimiter(t, openTestDB(t), func(s Signal) { signals = append(signals, s) })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.RecordUsage(ctx, "alice", "free", Delta{Recordings: 1})
		require.NoError(t, err)
	}

	// Free tier: low water 1, so the signal fires when 1 recording remains.
	require.Len(t, signals, 1)
	assert.Equal(t, SignalQuota, signals[0].Kind)
	assert.Equal(t, 1, signals[0].Remaining)
	assert.Equal(t, "alice", signals[0].UserID)
}

func TestCurrent_CorruptRecordFallsBackToZero(t *testing.T) {
	gdb := openTestDB(t)
	now := time.Now()
	start, _ := PeriodBounds(now)
	gdb.Create(&models.UsageRecord{UserID: "alice", PeriodStart: start, PeriodEnd: start, RecordingCount: -4})

	l := newTestLimiter(t, gdb, nil)
	rec, err := l.Current(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, rec.RecordingCount)

	d, err := l.CanStartSession(context.Background(), "alice", "free")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	rec, err = l.RecordUsage(context.Background(), "alice", "free", Delta{Recordings: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RecordingCount)
}

func TestPeriodBounds(t *testing.T) {
	start, end := PeriodBounds(time.Date(2026, 12, 15, 8, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestRetentionDeadline(t *testing.T) {
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	deadline, ok := RetentionDeadline(testPolicies().For("free"), end)
	require.True(t, ok)
	assert.Equal(t, end.Add(7*24*time.Hour), deadline)

	_, ok = RetentionDeadline(testPolicies().For("pro"), end)
	assert.False(t, ok, "pro retention is indefinite")
}

func TestCountdown(t *testing.T) {
	free := testPolicies().For("free")
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		now      time.Time
		want     time.Duration
		wantDays int
	}{
		{"just ended", end, 7 * 24 * time.Hour, 7},
		{"halfway", end.Add(84 * time.Hour), 84 * time.Hour, 4},
		{"one hour left", end.Add(167 * time.Hour), time.Hour, 1},
		{"at deadline", end.Add(168 * time.Hour), 0, 0},
		{"past deadline clamps", end.Add(500 * time.Hour), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			left, ok := Countdown(free, end, tt.now)
			require.True(t, ok)
			assert.Equal(t, tt.want, left)
			assert.GreaterOrEqual(t, left, time.Duration(0))
			assert.Equal(t, tt.wantDays, DaysLeft(left))
		})
	}

	_, ok := Countdown(testPolicies().For("pro"), end, end.Add(1000*time.Hour))
	assert.False(t, ok)
}
