package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zulandar/memorybridge/internal/metrics"
)

// ErrExtractionCycleFailed is returned when a cycle could not complete.
// The canonical list is unchanged by a failed cycle.
var ErrExtractionCycleFailed = errors.New("extract: extraction cycle failed")

// DefaultWindowChars bounds the transcript text sent per cycle.
const DefaultWindowChars = 12000

// ExtractorOpts configures an Extractor.
type ExtractorOpts struct {
	Service     Service
	Store       *Store
	Transport   Transport // optional; receives newly inserted rows
	Logger      *zap.Logger
	WindowChars int
}

// Extractor runs extraction cycles against the accumulated transcript.
type Extractor struct {
	svc       Service
	store     *Store
	transport Transport
	logger    *zap.Logger
	window    int

	mu   sync.Mutex
	last map[string]string // session -> transcript of the last good cycle
}

// NewExtractor validates opts.
func NewExtractor(opts ExtractorOpts) (*Extractor, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("extract: service is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("extract: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WindowChars <= 0 {
		opts.WindowChars = DefaultWindowChars
	}
	return &Extractor{
		svc:       opts.Service,
		store:     opts.Store,
		transport: opts.Transport,
		logger:    opts.Logger,
		window:    opts.WindowChars,
		last:      make(map[string]string),
	}, nil
}

// Cycle sends the transcript (or its trailing window) to the service and
// merges the candidates. A transcript identical to the last successful
// cycle's is skipped. Failures are logged and returned wrapped in
// ErrExtractionCycleFailed; they never abort the recording.
func (e *Extractor) Cycle(ctx context.Context, sessionID, userID, transcript string) (MergeResult, error) {
	e.mu.Lock()
	unchanged := e.last[sessionID] == transcript
	e.mu.Unlock()
	if unchanged || transcript == "" {
		metrics.ExtractionCycles.WithLabelValues("skipped").Inc()
		return MergeResult{}, nil
	}

	text, offset := Window(transcript, e.window)
	start := time.Now()
	resp, err := e.svc.Extract(ctx, Request{
		SessionID:      sessionID,
		UserID:         userID,
		TranscriptText: text,
		Offset:         offset,
	})
	metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return MergeResult{}, e.failed(sessionID, err)
	}
	for i := range resp.Actions {
		resp.Actions[i].Offset += offset
	}

	res, err := e.store.Merge(ctx, sessionID, userID, resp.Actions)
	if err != nil {
		// Rows committed before the failure are not inserts next cycle.
		e.publish(ctx, res)
		return res, e.failed(sessionID, err)
	}

	e.mu.Lock()
	e.last[sessionID] = transcript
	e.mu.Unlock()
	metrics.ExtractionCycles.WithLabelValues("success").Inc()

	e.publish(ctx, res)
	return res, nil
}

// Forget drops per-session cycle state.
func (e *Extractor) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.last, sessionID)
	e.mu.Unlock()
}

func (e *Extractor) failed(sessionID string, err error) error {
	metrics.ExtractionCycles.WithLabelValues("failed").Inc()
	e.logger.Warn("extraction cycle failed", zap.String("session_id", sessionID), zap.Error(err))
	return fmt.Errorf("%w: %v", ErrExtractionCycleFailed, err)
}

func (e *Extractor) publish(ctx context.Context, res MergeResult) {
	if e.transport == nil {
		return
	}
	for _, a := range res.Inserted {
		if err := e.transport.PublishInserted(ctx, a); err != nil {
			e.logger.Warn("publish inserted action",
				zap.String("action_id", a.ID), zap.Error(err))
		}
	}
}

// Window returns the trailing max characters of s and the byte offset at
// which they start. Cuts land on a rune boundary.
func Window(s string, max int) (string, int) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, 0
	}
	cut := len(s)
	for n := 0; n < max; n++ {
		_, size := utf8.DecodeLastRuneInString(s[:cut])
		cut -= size
	}
	return s[cut:], cut
}

// Listen subscribes to realtime candidates for one session and merges them
// through the same store as the polling cycle. Newly inserted rows are
// republished as inserts. The returned function unsubscribes.
func (e *Extractor) Listen(ctx context.Context, sessionID, userID string) (func(), error) {
	if e.transport == nil {
		return func() {}, nil
	}
	unsub, err := e.transport.SubscribeRealtime(sessionID, func(c Candidate) {
		c.Realtime = true
		res, err := e.store.Merge(ctx, sessionID, userID, []Candidate{c})
		if err != nil {
			e.logger.Warn("merge realtime candidate",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		e.publish(ctx, res)
	})
	if err != nil {
		return nil, fmt.Errorf("extract: listen %s: %w", sessionID, err)
	}
	return unsub, nil
}
