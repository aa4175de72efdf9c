package bridge

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
	"github.com/zulandar/memorybridge/internal/extract"
	"github.com/zulandar/memorybridge/internal/models"
	"github.com/zulandar/memorybridge/internal/session"
	"github.com/zulandar/memorybridge/internal/transcript"
	"github.com/zulandar/memorybridge/internal/usage"
)

type fakeCapture struct {
	ch         chan transcript.Fragment
	connectErr error
	closeOnce  sync.Once

	mu           sync.Mutex
	err          error
	disconnected bool
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{ch: make(chan transcript.Fragment, 16)}
}

func (f *fakeCapture) Connect(context.Context) (<-chan transcript.Fragment, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.ch, nil
}

func (f *fakeCapture) Disconnect() error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.ch) })
	return nil
}

func (f *fakeCapture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// fail mimics the capture session giving up on the provider.
func (f *fakeCapture) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.ch) })
}

func (f *fakeCapture) wasDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type fakeService struct {
	mu    sync.Mutex
	calls []extract.Request
	resp  extract.Response
}

func (f *fakeService) Extract(_ context.Context, req extract.Request) (extract.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.resp, nil
}

func (f *fakeService) lastTranscript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1].TranscriptText
}

type harness struct {
	db       *gorm.DB
	limiter  *usage.Limiter
	store    *extract.Store
	svc      *fakeService
	recorder *Recorder

	mu       sync.Mutex
	captures []*fakeCapture
	next     func() *fakeCapture
}

func newHarness(t *testing.T, policies usage.Policies) *harness {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	if policies == nil {
		policies = usage.PoliciesFromConfig(config.DefaultTiers())
	}
	limiter, err := usage.NewLimiter(usage.LimiterOpts{DB: gdb, Policies: policies})
	require.NoError(t, err)
	store, err := extract.NewStore(gdb, nil)
	require.NoError(t, err)
	svc := &fakeService{resp: extract.Response{Actions: []extract.Candidate{{
		Text: "Call mom", Type: models.TypeTask, Assignee: "me", DueContext: "tomorrow at 5pm", Confidence: 0.9,
	}}}}
	ex, err := extract.NewExtractor(extract.ExtractorOpts{Service: svc, Store: store, Transport: extract.NewBus()})
	require.NoError(t, err)

	h := &harness{db: gdb, limiter: limiter, store: store, svc: svc, next: newFakeCapture}
	h.recorder, err = NewRecorder(RecorderOpts{
		DB:        gdb,
		Limiter:   limiter,
		Extractor: ex,
		NewCapture: func() (Capture, error) {
			c := h.next()
			h.mu.Lock()
			h.captures = append(h.captures, c)
			h.mu.Unlock()
			return c, nil
		},
		BatchSize: 1,
		Quiet:     10 * time.Millisecond,
		MaxWait:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) captureCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.captures)
}

func (h *harness) segmentCount(t *testing.T, sessionID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.TranscriptSegment{}).Where("session_id = ?", sessionID).Count(&n).Error)
	return n
}

func TestNewRecorder_Validation(t *testing.T) {
	_, err := NewRecorder(RecorderOpts{})
	assert.Error(t, err)
}

func TestRecording_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rec, err := h.recorder.Start(ctx, StartOpts{
		UserID:       "user-1",
		Tier:         "free",
		MeetingType:  "family",
		Participants: []models.Participant{{Name: "Mom", Relationship: "mother"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Remaining())
	fc := h.captures[0]

	u, err := h.limiter.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.RecordingCount, "counted when the lock is taken")

	fc.ch <- transcript.Fragment{Kind: transcript.Interim, Text: "I need to", Generation: 1}
	fc.ch <- transcript.Fragment{Kind: transcript.Final, Text: "I need to call mom tomorrow at 5pm", Generation: 1, Seq: 1}
	fc.ch <- transcript.Fragment{Kind: transcript.Final, Text: "I need to call mom tomorrow at 5pm", Generation: 1, Seq: 1}

	require.Eventually(t, func() bool {
		return h.svc.lastTranscript() == "I need to call mom tomorrow at 5pm"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.segmentCount(t, rec.ID()))

	fc.ch <- transcript.Fragment{Kind: transcript.Final, Text: "Also the dentist.", Generation: 1, Seq: 2}
	require.Eventually(t, func() bool { return h.segmentCount(t, rec.ID()) == 2 }, 2*time.Second, 10*time.Millisecond)

	closed, err := rec.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, fc.wasDisconnected())
	assert.Equal(t, models.SessionClosed, closed.Status)
	assert.False(t, closed.Active)
	require.NotNil(t, closed.RetentionDeadline)
	assert.Equal(t, "I need to call mom tomorrow at 5pm Also the dentist.", h.svc.lastTranscript())

	actions, err := h.store.List(ctx, rec.ID())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "Call mom", actions[0].Text)

	u, err = h.limiter.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.RecordingCount)

	again, err := rec.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, closed.ID, again.ID)
	u, err = h.limiter.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.RecordingCount, "second stop must not count again")
}

func TestRecording_UnsequencedFinalsAllPersist(t *testing.T) {
	h := newHarness(t, nil)
	rec, err := h.recorder.Start(context.Background(), StartOpts{UserID: "user-1"})
	require.NoError(t, err)
	fc := h.captures[0]

	fc.ch <- transcript.Fragment{Kind: transcript.Final, Text: "one"}
	fc.ch <- transcript.Fragment{Kind: transcript.Final, Text: "two"}
	require.Eventually(t, func() bool { return h.segmentCount(t, rec.ID()) == 2 }, 2*time.Second, 10*time.Millisecond)

	_, err = rec.Stop(context.Background())
	require.NoError(t, err)
	text, err := session.Transcript(h.db, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, "one two", text)
}

func TestStart_LimitExceeded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.limiter.RecordUsage(ctx, "user-1", "free", usage.Delta{Recordings: 3})
	require.NoError(t, err)

	rec, err := h.recorder.Start(ctx, StartOpts{UserID: "user-1", Tier: "free"})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, usage.ErrLimitExceeded)
	assert.True(t, IsDenied(err))
	assert.Zero(t, h.captureCount())

	var n int64
	require.NoError(t, h.db.Model(&models.Session{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestStart_AbandonedRecordingsCount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var abandoned []*Recording
	t.Cleanup(func() {
		for _, rec := range abandoned {
			_, _ = rec.Stop(ctx)
		}
	})
	for i := 0; i < 3; i++ {
		rec, err := h.recorder.Start(ctx, StartOpts{UserID: "user-1", Tier: "free"})
		require.NoError(t, err)
		abandoned = append(abandoned, rec)
		// Never stopped: the heartbeat goes stale as after a crash.
		require.NoError(t, h.db.Model(&models.Session{}).Where("id = ?", rec.ID()).
			Update("last_heartbeat", time.Now().Add(-time.Hour)).Error)
	}

	_, err := h.recorder.Start(ctx, StartOpts{UserID: "user-1", Tier: "free"})
	assert.ErrorIs(t, err, usage.ErrLimitExceeded)
	u, err := h.limiter.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.RecordingCount)
}

func TestStart_SecondSessionRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.recorder.Start(ctx, StartOpts{UserID: "user-1", Tier: "pro"})
	require.NoError(t, err)

	_, err = h.recorder.Start(ctx, StartOpts{UserID: "user-1", Tier: "pro"})
	assert.ErrorIs(t, err, session.ErrSessionActive)
	assert.True(t, IsDenied(err))
	assert.Equal(t, 1, h.captureCount())

	_, err = first.Stop(ctx)
	require.NoError(t, err)
	second, err := h.recorder.Start(ctx, StartOpts{UserID: "user-1", Tier: "pro"})
	require.NoError(t, err)
	_, err = second.Stop(ctx)
	require.NoError(t, err)
}

func TestRecording_DurationCeiling(t *testing.T) {
	h := newHarness(t, usage.Policies{
		"free": {Tier: "free", MaxDuration: 50 * time.Millisecond, Retention: time.Hour},
	})
	rec, err := h.recorder.Start(context.Background(), StartOpts{UserID: "user-1"})
	require.NoError(t, err)

	select {
	case <-rec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("recording not stopped at its duration ceiling")
	}
	closed, err := rec.Result()
	require.NoError(t, err)
	assert.Equal(t, models.SessionTimedOut, closed.Status)
	assert.True(t, h.captures[0].wasDisconnected())
}

func TestRecording_CaptureFailureClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	rec, err := h.recorder.Start(context.Background(), StartOpts{UserID: "user-1"})
	require.NoError(t, err)

	h.captures[0].fail(errors.New("provider unavailable"))
	select {
	case <-rec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("recording not stopped after capture failure")
	}
	closed, err := rec.Result()
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, closed.Status)
}

func TestStart_ConnectFailureReleasesLock(t *testing.T) {
	h := newHarness(t, nil)
	h.next = func() *fakeCapture {
		c := newFakeCapture()
		c.connectErr = errors.New("microphone permission denied")
		return c
	}
	ctx := context.Background()

	_, err := h.recorder.Start(ctx, StartOpts{UserID: "user-1"})
	require.Error(t, err)
	assert.False(t, IsDenied(err))

	var s models.Session
	require.NoError(t, h.db.Where("user_id = ?", "user-1").First(&s).Error)
	assert.Equal(t, models.SessionFailed, s.Status)
	assert.False(t, s.Active)

	h.next = newFakeCapture
	rec, err := h.recorder.Start(ctx, StartOpts{UserID: "user-1"})
	require.NoError(t, err)
	_, err = rec.Stop(ctx)
	require.NoError(t, err)

	u, err := h.limiter.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.RecordingCount, "failed connect is not counted")
}
