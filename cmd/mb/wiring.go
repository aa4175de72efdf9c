package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/memorybridge/internal/config"
	"github.com/zulandar/memorybridge/internal/extract"
	"github.com/zulandar/memorybridge/internal/usage"
)

// core holds the collaborators shared by serve and record.
type core struct {
	cfg       *config.Config
	db        *gorm.DB
	logger    *zap.Logger
	transport extract.Transport
	store     *extract.Store
	limiter   *usage.Limiter
	nc        *nats.Conn
}

// newCore connects the push transport and builds the action store and the
// usage limiter. Close releases the NATS connection.
func newCore(cfg *config.Config, gormDB *gorm.DB, logger *zap.Logger) (*core, error) {
	c := &core{cfg: cfg, db: gormDB, logger: logger}

	if cfg.Push.NatsURL != "" {
		nc, err := nats.Connect(cfg.Push.NatsURL,
			nats.Name("memorybridge"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.Push.NatsURL, err)
		}
		t, err := extract.NewNATSTransport(nc, cfg.Push.SubjectPrefix)
		if err != nil {
			nc.Close()
			return nil, err
		}
		logger.Info("connected to NATS", zap.String("url", cfg.Push.NatsURL))
		c.nc = nc
		c.transport = t
	} else {
		c.transport = extract.NewBus()
	}

	var err error
	if c.store, err = extract.NewStore(gormDB, logger); err != nil {
		c.Close()
		return nil, err
	}
	c.limiter, err = usage.NewLimiter(usage.LimiterOpts{
		DB:         gormDB,
		Policies:   usage.PoliciesFromConfig(cfg.Tiers),
		Logger:     logger,
		OnImminent: c.logSignal,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// logSignal surfaces advisory limit signals. Delivery to the user's device
// is owned by the client that polls /api/usage.
func (c *core) logSignal(s usage.Signal) {
	c.logger.Info("usage limit approaching",
		zap.String("user_id", s.UserID),
		zap.String("session_id", s.SessionID),
		zap.String("kind", string(s.Kind)),
		zap.Int("remaining", s.Remaining),
	)
}

func (c *core) newSweeper() (*usage.Sweeper, error) {
	return usage.NewSweeper(usage.SweeperOpts{
		DB:           c.db,
		Policies:     usage.PoliciesFromConfig(c.cfg.Tiers),
		Schedule:     c.cfg.Retention.SweepSchedule,
		LowWaterDays: c.cfg.Retention.LowWaterDays,
		StaleAfter:   c.cfg.Session.StaleAfter,
		Logger:       c.logger,
		OnImminent:   c.logSignal,
	})
}

// Close drains the NATS connection when one is open.
func (c *core) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("drain NATS connection", zap.Error(err))
	}
}

// withTimeout derives a context for shutdown work that must outlive a
// cancelled parent.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), d)
}
