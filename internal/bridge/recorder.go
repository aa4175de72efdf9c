// Package bridge wires one recording end to end: the usage gate, the
// single-session lock, audio capture, transcript accumulation and the
// incremental extractor.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/memorybridge/internal/extract"
	"github.com/zulandar/memorybridge/internal/logging"
	"github.com/zulandar/memorybridge/internal/models"
	"github.com/zulandar/memorybridge/internal/session"
	"github.com/zulandar/memorybridge/internal/transcript"
	"github.com/zulandar/memorybridge/internal/usage"
)

// DefaultStopTimeout bounds the final extraction cycle and bookkeeping of a
// stop that was not requested by a caller (ceiling, capture failure).
const DefaultStopTimeout = 30 * time.Second

// Capture is the part of capture.Session the recorder drives.
type Capture interface {
	Connect(ctx context.Context) (<-chan transcript.Fragment, error)
	Disconnect() error
	Err() error
}

// RecorderOpts holds the collaborators of a Recorder.
type RecorderOpts struct {
	DB        *gorm.DB
	Limiter   *usage.Limiter
	Extractor *extract.Extractor
	// NewCapture builds a fresh capture session for each recording.
	NewCapture func() (Capture, error)

	BatchSize         int
	Quiet             time.Duration
	MaxWait           time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	StopTimeout       time.Duration
	Logger            *zap.Logger
}

// Recorder starts and stops recordings.
type Recorder struct {
	opts RecorderOpts
	log  *zap.Logger
}

// NewRecorder validates opts.
func NewRecorder(opts RecorderOpts) (*Recorder, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("bridge: db is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("bridge: limiter is required")
	}
	if opts.Extractor == nil {
		return nil, fmt.Errorf("bridge: extractor is required")
	}
	if opts.NewCapture == nil {
		return nil, fmt.Errorf("bridge: capture factory is required")
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Recorder{opts: opts, log: logging.OrNop(opts.Logger)}, nil
}

// StartOpts describes a recording about to start.
type StartOpts struct {
	UserID           string
	Tier             string
	MeetingType      string
	EnergyLevel      *int
	EmotionalContext string
	Participants     []models.Participant
	Watchers         []models.SessionWatcher
}

// Start gates the recording on the user's tier, takes the single-session
// lock and connects capture. The recording is counted in the same
// transaction that takes the lock, so a recording that never reaches Stop
// still counts. A denial returns usage.ErrLimitExceeded and a live session
// returns session.ErrSessionActive; neither creates anything.
func (r *Recorder) Start(ctx context.Context, opts StartOpts) (*Recording, error) {
	d, err := r.opts.Limiter.CanStartSession(ctx, opts.UserID, opts.Tier)
	if err != nil {
		return nil, fmt.Errorf("bridge: start: %w", err)
	}
	if !d.Allowed {
		return nil, fmt.Errorf("bridge: start: %w", d.Reason)
	}

	sess, err := session.Start(r.opts.DB.WithContext(ctx), session.StartOpts{
		UserID:           opts.UserID,
		Tier:             r.opts.Limiter.Policy(opts.Tier).Tier,
		MeetingType:      opts.MeetingType,
		EnergyLevel:      opts.EnergyLevel,
		EmotionalContext: opts.EmotionalContext,
		Participants:     opts.Participants,
		Watchers:         opts.Watchers,
		StaleAfter:       r.opts.StaleAfter,
		OnCreate: func(tx *gorm.DB, s *models.Session) error {
			return r.opts.Limiter.ReserveRecording(tx, s.UserID, s.Tier)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: start: %w", err)
	}

	rec := &Recording{
		r:        r,
		sess:     sess,
		decision: d,
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	c, err := r.opts.NewCapture()
	if err == nil {
		rec.cap = c
		rec.frags, err = c.Connect(ctx)
	}
	if err != nil {
		r.log.Warn("capture connect failed", zap.String("session_id", sess.ID), zap.Error(err))
		bg := context.WithoutCancel(ctx)
		_, _ = rec.closeSession(bg, models.SessionFailed)
		if _, uerr := r.opts.Limiter.RecordUsage(bg, sess.UserID, sess.Tier, usage.Delta{Recordings: -1}); uerr != nil {
			r.log.Warn("release recording reservation", zap.String("session_id", sess.ID), zap.Error(uerr))
		}
		return nil, fmt.Errorf("bridge: start: %w", err)
	}

	rec.run(context.WithoutCancel(ctx))
	r.log.Info("recording started",
		zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID),
		zap.String("tier", sess.Tier), zap.Duration("max_duration", d.MaxDuration))
	return rec, nil
}

// Recording is one live capture session.
type Recording struct {
	r        *Recorder
	sess     *models.Session
	decision usage.Decision
	cap      Capture
	frags    <-chan transcript.Fragment

	cancel   context.CancelFunc
	loops    sync.WaitGroup
	pumpDone chan struct{}

	mu       sync.Mutex
	buf      transcript.Buffer
	position int

	stopOnce sync.Once
	done     chan struct{}
	result   *models.Session
	err      error
}

// ID returns the session ID.
func (rec *Recording) ID() string { return rec.sess.ID }

// Remaining returns the recordings left in the period after this one, or
// usage.Unlimited.
func (rec *Recording) Remaining() int { return rec.decision.Remaining }

// Transcript returns the current transcript view, pending text included.
func (rec *Recording) Transcript() transcript.Buffer {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.buf
}

// Done is closed once the recording has fully stopped.
func (rec *Recording) Done() <-chan struct{} { return rec.done }

// Result returns the closed session and the stop error once Done is closed.
func (rec *Recording) Result() (*models.Session, error) {
	<-rec.done
	return rec.result, rec.err
}

// Stop ends the recording: capture is released, a final extraction cycle
// runs over the complete transcript, the session is closed with its
// retention deadline and its duration is added to usage. It is idempotent.
func (rec *Recording) Stop(ctx context.Context) (*models.Session, error) {
	rec.finish(ctx, models.SessionClosed)
	return rec.Result()
}

func (rec *Recording) run(base context.Context) {
	ctx, cancel := context.WithCancel(base)
	rec.cancel = cancel
	r := rec.r
	id := rec.sess.ID

	deb := extract.NewDebouncer(r.opts.BatchSize, r.opts.Quiet, r.opts.MaxWait)
	unlisten, err := r.opts.Extractor.Listen(ctx, id, rec.sess.UserID)
	if err != nil {
		r.log.Warn("realtime listener unavailable", zap.String("session_id", id), zap.Error(err))
		unlisten = func() {}
	}
	hbErr := session.StartHeartbeat(ctx, r.opts.DB, id, r.opts.HeartbeatInterval)

	rec.loops.Add(1)
	go func() {
		defer rec.loops.Done()
		defer unlisten()
		deb.Run(ctx, func() { rec.cycle(ctx) })
	}()

	go func() {
		defer close(rec.pumpDone)
		rec.pump(ctx, deb)
	}()

	go rec.watch(ctx, base, hbErr)
}

// pump folds fragments into the transcript and persists each new final.
func (rec *Recording) pump(ctx context.Context, deb *extract.Debouncer) {
	for f := range rec.frags {
		rec.mu.Lock()
		before := rec.buf.Finals()
		rec.buf = transcript.Apply(rec.buf, f)
		added := rec.buf.Finals() > before
		if added {
			rec.position++
		}
		pos := rec.position
		rec.mu.Unlock()
		if !added {
			continue
		}

		seq := f.Seq
		if seq <= 0 {
			// Unsequenced finals get a key that cannot collide with a
			// provider sequence.
			seq = -pos
		}
		inserted, err := session.AppendSegment(rec.r.opts.DB.WithContext(ctx), &models.TranscriptSegment{
			SessionID:   rec.sess.ID,
			Generation:  f.Generation,
			ProviderSeq: seq,
			Position:    pos,
			Text:        strings.TrimSpace(f.Text),
			Confidence:  f.Confidence,
		})
		if err != nil {
			rec.r.log.Warn("persist transcript segment", zap.String("session_id", rec.sess.ID), zap.Error(err))
		}
		if inserted || err != nil {
			deb.Notify()
		}
	}
}

// watch forces a stop on the duration ceiling, a lost session lock or the
// end of capture.
func (rec *Recording) watch(ctx, base context.Context, hbErr <-chan error) {
	var ceiling <-chan time.Time
	if limit := rec.decision.MaxDuration; limit > 0 {
		t := time.NewTimer(limit)
		defer t.Stop()
		ceiling = t.C
	}

	status := models.SessionClosed
	select {
	case <-ctx.Done():
		return
	case <-ceiling:
		rec.r.log.Info("recording reached duration ceiling",
			zap.String("session_id", rec.sess.ID), zap.Duration("max_duration", rec.decision.MaxDuration))
		status = models.SessionTimedOut
	case err := <-hbErr:
		rec.r.log.Warn("session lock lost", zap.String("session_id", rec.sess.ID), zap.Error(err))
		status = models.SessionFailed
	case <-rec.pumpDone:
		if rec.cap.Err() != nil {
			status = models.SessionFailed
		}
	}

	stopCtx, cancel := context.WithTimeout(base, rec.r.opts.StopTimeout)
	defer cancel()
	rec.finish(stopCtx, status)
}

// cycle runs one extraction over the persisted transcript, falling back to
// the in-memory finals when the store cannot be read.
func (rec *Recording) cycle(ctx context.Context) {
	id := rec.sess.ID
	text, err := session.Transcript(rec.r.opts.DB.WithContext(ctx), id)
	if err != nil {
		rec.r.log.Warn("read transcript", zap.String("session_id", id), zap.Error(err))
		rec.mu.Lock()
		text = rec.buf.FinalText()
		rec.mu.Unlock()
	}
	// Failures are logged by the extractor and retried on the next cycle.
	_, _ = rec.r.opts.Extractor.Cycle(ctx, id, rec.sess.UserID, text)
}

func (rec *Recording) finish(ctx context.Context, status string) {
	rec.stopOnce.Do(func() {
		defer close(rec.done)
		r := rec.r

		if err := rec.cap.Disconnect(); err != nil {
			r.log.Warn("disconnect capture", zap.String("session_id", rec.sess.ID), zap.Error(err))
		}
		<-rec.pumpDone
		rec.cancel()
		rec.loops.Wait()

		rec.cycle(ctx)
		r.opts.Extractor.Forget(rec.sess.ID)

		closed, err := rec.closeSession(ctx, status)
		if err != nil {
			rec.err = err
			return
		}
		rec.result = closed
		if _, err := r.opts.Limiter.RecordUsage(ctx, closed.UserID, closed.Tier, usage.Delta{
			Duration: time.Duration(closed.DurationSeconds) * time.Second,
		}); err != nil {
			rec.err = fmt.Errorf("bridge: stop: %w", err)
		}
		r.log.Info("recording stopped",
			zap.String("session_id", closed.ID), zap.String("status", closed.Status),
			zap.Int("duration_seconds", closed.DurationSeconds))
	})
}

func (rec *Recording) closeSession(ctx context.Context, status string) (*models.Session, error) {
	p := rec.r.opts.Limiter.Policy(rec.sess.Tier)
	closed, err := session.Close(rec.r.opts.DB.WithContext(ctx), rec.sess.ID, session.CloseOpts{
		Status:    status,
		Retention: p.Retention,
	})
	if err != nil {
		rec.r.log.Warn("close session", zap.String("session_id", rec.sess.ID), zap.Error(err))
		return nil, fmt.Errorf("bridge: stop: %w", err)
	}
	return closed, nil
}

// IsDenied reports whether err is a start refusal rather than a failure.
func IsDenied(err error) bool {
	return errors.Is(err, usage.ErrLimitExceeded) || errors.Is(err, session.ErrSessionActive)
}
