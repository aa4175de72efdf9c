// Package usage enforces per-tier recording limits and artifact retention.
package usage

import (
	"time"

	"github.com/zulandar/memorybridge/internal/config"
)

// DefaultTier is used for users whose tier is unknown.
const DefaultTier = "free"

// Policy is the usage policy of one subscription tier. Zero values mean
// unlimited.
type Policy struct {
	Tier          string
	MaxRecordings int
	MaxDuration   time.Duration
	Retention     time.Duration
	QuotaLowWater int
}

// Policies maps tier names to policies.
type Policies map[string]Policy

// PoliciesFromConfig converts the tiers section of the configuration.
func PoliciesFromConfig(tiers map[string]config.TierConfig) Policies {
	ps := make(Policies, len(tiers))
	for name, t := range tiers {
		ps[name] = Policy{
			Tier:          name,
			MaxRecordings: t.MaxRecordings,
			MaxDuration:   t.MaxDuration,
			Retention:     t.Retention,
			QuotaLowWater: t.QuotaLowWater,
		}
	}
	return ps
}

// For returns the policy for tier, falling back to the default tier.
func (ps Policies) For(tier string) Policy {
	if p, ok := ps[tier]; ok {
		return p
	}
	p := ps[DefaultTier]
	p.Tier = DefaultTier
	return p
}

// RetentionDeadline returns when artifacts of a session that ended at
// sessionEnd must be deleted. ok is false when retention is indefinite.
func RetentionDeadline(p Policy, sessionEnd time.Time) (deadline time.Time, ok bool) {
	if p.Retention <= 0 {
		return time.Time{}, false
	}
	return sessionEnd.Add(p.Retention), true
}

// Countdown returns the retention time left at now, clamped at zero. ok is
// false when retention is indefinite.
func Countdown(p Policy, sessionEnd, now time.Time) (left time.Duration, ok bool) {
	deadline, ok := RetentionDeadline(p, sessionEnd)
	if !ok {
		return 0, false
	}
	left = deadline.Sub(now)
	if left < 0 {
		left = 0
	}
	return left, true
}

// DaysLeft rounds a countdown up to whole days.
func DaysLeft(left time.Duration) int {
	const day = 24 * time.Hour
	if left <= 0 {
		return 0
	}
	return int((left + day - 1) / day)
}
