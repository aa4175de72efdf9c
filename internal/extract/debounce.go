package extract

import (
	"context"
	"time"
)

// Debouncer decides when an extraction cycle is due. It fires after
// BatchSize finalized fragments, or Quiet after the latest fragment, and
// never later than MaxWait after the first unprocessed fragment.
type Debouncer struct {
	batch   int
	quiet   time.Duration
	maxWait time.Duration
	in      chan struct{}
}

// NewDebouncer creates a Debouncer. Non-positive values fall back to one
// fragment, four seconds and twenty seconds.
func NewDebouncer(batch int, quiet, maxWait time.Duration) *Debouncer {
	if batch <= 0 {
		batch = 1
	}
	if quiet <= 0 {
		quiet = 4 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 20 * time.Second
	}
	return &Debouncer{batch: batch, quiet: quiet, maxWait: maxWait, in: make(chan struct{}, 256)}
}

// Notify records one finalized fragment. It never blocks.
func (d *Debouncer) Notify() {
	select {
	case d.in <- struct{}{}:
	default:
	}
}

// Run calls fire on the debouncer's own goroutine whenever a cycle is due,
// until ctx is cancelled. Fragments arriving while fire runs are counted
// toward the next cycle.
func (d *Debouncer) Run(ctx context.Context, fire func()) {
	quiet := time.NewTimer(time.Hour)
	stopTimer(quiet)
	deadline := time.NewTimer(time.Hour)
	stopTimer(deadline)
	defer quiet.Stop()
	defer deadline.Stop()

	pending := 0
	flush := func() {
		pending = 0
		stopTimer(quiet)
		stopTimer(deadline)
		fire()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.in:
			pending++
			if pending >= d.batch {
				flush()
				continue
			}
			if pending == 1 {
				deadline.Reset(d.maxWait)
			}
			stopTimer(quiet)
			quiet.Reset(d.quiet)
		case <-quiet.C:
			if pending > 0 {
				flush()
			}
		case <-deadline.C:
			if pending > 0 {
				flush()
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
