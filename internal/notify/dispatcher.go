package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zulandar/memorybridge/internal/metrics"
	"github.com/zulandar/memorybridge/internal/models"
)

// Dispatcher routes watcher notifications to the adapter for each
// watcher's platform.
type Dispatcher struct {
	mu       sync.Mutex
	adapters map[string]Adapter
	fallback string
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher. Watchers without a platform use the
// first adapter given.
func NewDispatcher(logger *zap.Logger, adapters ...Adapter) (*Dispatcher, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("notify: at least one adapter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{adapters: make(map[string]Adapter), logger: logger, fallback: adapters[0].Platform()}
	for _, a := range adapters {
		d.adapters[a.Platform()] = a
	}
	return d, nil
}

// Connect connects every adapter.
func (d *Dispatcher) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, a := range d.adapters {
		if err := a.Connect(ctx); err != nil {
			return fmt.Errorf("notify: connect %s: %w", name, err)
		}
	}
	return nil
}

// ActionCompleted sends a completion message to every watcher. It tries
// every watcher and returns the joined failures.
func (d *Dispatcher) ActionCompleted(ctx context.Context, a models.Action, watchers []models.SessionWatcher) error {
	var errs []error
	for _, w := range watchers {
		platform := w.Platform
		if platform == "" {
			platform = d.fallback
		}
		d.mu.Lock()
		adapter, ok := d.adapters[platform]
		d.mu.Unlock()
		if !ok {
			metrics.Notifications.WithLabelValues(platform, "failed").Inc()
			errs = append(errs, fmt.Errorf("notify: no adapter for platform %q (watcher %s)", platform, w.WatcherID))
			continue
		}
		channel := w.ChannelID
		if channel == "" {
			channel = w.WatcherID
		}
		if err := adapter.Send(ctx, CompletedMessage(channel, a)); err != nil {
			metrics.Notifications.WithLabelValues(platform, "failed").Inc()
			errs = append(errs, fmt.Errorf("notify: watcher %s: %w", w.WatcherID, err))
			continue
		}
		metrics.Notifications.WithLabelValues(platform, "sent").Inc()
		d.logger.Debug("watcher notified",
			zap.String("action_id", a.ID),
			zap.String("watcher_id", w.WatcherID),
			zap.String("platform", platform),
		)
	}
	return errors.Join(errs...)
}

// Close closes every adapter.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, a := range d.adapters {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}
