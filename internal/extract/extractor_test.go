package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/zulandar/memorybridge/internal/models"
)

type fakeService struct {
	mu    sync.Mutex
	calls []Request
	resp  Response
	err   error
}

func (f *fakeService) Extract(_ context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

func (f *fakeService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestExtractor(t *testing.T, svc Service, tr Transport, logger *zap.Logger) (*Extractor, *Store) {
	t.Helper()
	store, _ := newTestStore(t)
	e, err := NewExtractor(ExtractorOpts{Service: svc, Store: store, Transport: tr, Logger: logger})
	require.NoError(t, err)
	return e, store
}

func TestNewExtractor_Validation(t *testing.T) {
	_, err := NewExtractor(ExtractorOpts{})
	assert.Error(t, err)
	_, err = NewExtractor(ExtractorOpts{Service: &fakeService{}})
	assert.Error(t, err)
}

func TestCycle_CallMomScenario(t *testing.T) {
	svc := &fakeService{resp: Response{Actions: []Candidate{{
		Text: "Call mom", Type: models.TypeTask, Assignee: "me", DueContext: "tomorrow at 5pm", Confidence: 0.9,
	}}}}
	e, store := newTestExtractor(t, svc, nil, nil)
	ctx := context.Background()

	res, err := e.Cycle(ctx, "sess-1", "user-1", "I need to call mom tomorrow at 5pm")
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)
	assert.Equal(t, "tomorrow at 5pm", res.Inserted[0].DueContext)
	assert.Equal(t, models.StatusPending, res.Inserted[0].Status)

	// A later cycle over the grown transcript re-reports the same action.
	res, err = e.Cycle(ctx, "sess-1", "user-1", "I need to call mom tomorrow at 5pm. Also the dentist.")
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)
	assert.Equal(t, 1, res.Merged)

	actions, err := store.List(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestCycle_SkipsUnchangedTranscript(t *testing.T) {
	svc := &fakeService{}
	e, _ := newTestExtractor(t, svc, nil, nil)
	ctx := context.Background()

	_, err := e.Cycle(ctx, "sess-1", "user-1", "hello there")
	require.NoError(t, err)
	_, err = e.Cycle(ctx, "sess-1", "user-1", "hello there")
	require.NoError(t, err)
	_, err = e.Cycle(ctx, "sess-1", "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.callCount())

	e.Forget("sess-1")
	_, err = e.Cycle(ctx, "sess-1", "user-1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, 2, svc.callCount())
}

func TestCycle_FailureLeavesListUntouchedAndIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	svc := &fakeService{resp: Response{Actions: []Candidate{{Text: "Call mom"}}}}
	e, store := newTestExtractor(t, svc, nil, zap.New(core))
	ctx := context.Background()

	_, err := e.Cycle(ctx, "sess-1", "user-1", "call mom")
	require.NoError(t, err)

	svc.mu.Lock()
	svc.err = errors.New("upstream 503")
	svc.resp = Response{Actions: []Candidate{{Text: "something else"}}}
	svc.mu.Unlock()

	_, err = e.Cycle(ctx, "sess-1", "user-1", "call mom and something else")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractionCycleFailed)
	assert.Equal(t, 1, logs.FilterMessage("extraction cycle failed").Len())

	actions, err := store.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "Call mom", actions[0].Text)

	// The failed transcript is retried on the next cycle.
	svc.mu.Lock()
	svc.err = nil
	svc.mu.Unlock()
	res, err := e.Cycle(ctx, "sess-1", "user-1", "call mom and something else")
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 1)
}

func TestCycle_WindowsLongTranscripts(t *testing.T) {
	svc := &fakeService{resp: Response{Actions: []Candidate{{Text: "x", Offset: 2}}}}
	store, _ := newTestStore(t)
	e, err := NewExtractor(ExtractorOpts{Service: svc, Store: store, WindowChars: 5})
	require.NoError(t, err)

	res, err := e.Cycle(context.Background(), "sess-1", "user-1", "0123456789")
	require.NoError(t, err)
	require.Len(t, svc.calls, 1)
	assert.Equal(t, "56789", svc.calls[0].TranscriptText)
	assert.Equal(t, 5, svc.calls[0].Offset)
	require.Len(t, res.Inserted, 1)
	assert.Equal(t, 7, res.Inserted[0].TranscriptOffset)
}

func TestWindow(t *testing.T) {
	s, off := Window("short", 10)
	assert.Equal(t, "short", s)
	assert.Zero(t, off)

	s, off = Window("héllo wörld", 5)
	assert.Equal(t, "wörld", s)
	assert.Equal(t, len("héllo "), off)
}

func TestCycle_PublishesInsertsOnBus(t *testing.T) {
	bus := NewBus()
	var got []models.Action
	unsub, err := bus.SubscribeInserted("sess-1", func(a models.Action) { got = append(got, a) })
	require.NoError(t, err)
	defer unsub()

	svc := &fakeService{resp: Response{Actions: []Candidate{{Text: "Call mom"}, {Text: "Buy milk"}}}}
	e, _ := newTestExtractor(t, svc, bus, nil)

	_, err = e.Cycle(context.Background(), "sess-1", "user-1", "call mom, buy milk")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Merged rows are not re-announced.
	_, err = e.Cycle(context.Background(), "sess-1", "user-1", "call mom, buy milk!")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCycle_MergeFailurePublishesCommittedInserts(t *testing.T) {
	bus := NewBus()
	var got []models.Action
	unsub, err := bus.SubscribeInserted("sess-1", func(a models.Action) { got = append(got, a) })
	require.NoError(t, err)
	defer unsub()

	store, gdb := newTestStore(t)
	require.NoError(t, gdb.Callback().Create().Before("gorm:create").Register("fail_buy_milk", func(tx *gorm.DB) {
		if a, ok := tx.Statement.Dest.(*models.Action); ok && a.Text == "Buy milk" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))
	svc := &fakeService{resp: Response{Actions: []Candidate{{Text: "Call mom"}, {Text: "Buy milk"}}}}
	e, err := NewExtractor(ExtractorOpts{Service: svc, Store: store, Transport: bus})
	require.NoError(t, err)

	_, err = e.Cycle(context.Background(), "sess-1", "user-1", "call mom, buy milk")
	assert.ErrorIs(t, err, ErrExtractionCycleFailed)
	require.Len(t, got, 1)
	assert.Equal(t, "Call mom", got[0].Text)
}

func TestCycle_OffsetsAreBytesIntoFullTranscript(t *testing.T) {
	full := "héllo wörld"
	svc := &fakeService{resp: Response{Actions: []Candidate{{Text: "x", Offset: 1}}}}
	store, _ := newTestStore(t)
	e, err := NewExtractor(ExtractorOpts{Service: svc, Store: store, WindowChars: 5})
	require.NoError(t, err)

	res, err := e.Cycle(context.Background(), "sess-1", "user-1", full)
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)
	assert.Equal(t, "wörld", svc.calls[0].TranscriptText)
	assert.Equal(t, "örld", full[res.Inserted[0].TranscriptOffset:])
}

func TestListen_MergesRealtimeCandidates(t *testing.T) {
	bus := NewBus()
	svc := &fakeService{resp: Response{Actions: []Candidate{{Text: "Call mom", Assignee: "me", Confidence: 0.5}}}}
	e, store := newTestExtractor(t, svc, bus, nil)
	ctx := context.Background()

	var inserted []models.Action
	unsubAll, err := bus.SubscribeInserted("", func(a models.Action) { inserted = append(inserted, a) })
	require.NoError(t, err)
	defer unsubAll()

	stop, err := e.Listen(ctx, "sess-1", "user-1")
	require.NoError(t, err)

	require.NoError(t, bus.PublishRealtime(ctx, "sess-1", Candidate{Text: "call  MOM", Assignee: "me", Confidence: 0.7}))
	require.NoError(t, bus.PublishRealtime(ctx, "sess-2", Candidate{Text: "not mine"}))

	// The polling cycle then reports the same action.
	res, err := e.Cycle(ctx, "sess-1", "user-1", "call mom")
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)

	actions, err := store.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.True(t, actions[0].Realtime)
	assert.InDelta(t, 0.7, actions[0].Confidence, 1e-9)
	require.Len(t, inserted, 1)

	stop()
	require.NoError(t, bus.PublishRealtime(ctx, "sess-1", Candidate{Text: "after stop"}))
	actions, err = store.List(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestHTTPService_Extract(t *testing.T) {
	var gotAuth string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"actions":[{"text":"Call mom","type":"task","assignee":"me","due_context":"tomorrow at 5pm","confidence":0.92}]}`))
	}))
	defer srv.Close()

	svc, err := NewHTTPService(HTTPServiceOpts{URL: srv.URL, APIKey: "k1", RateLimit: 100, Burst: 1})
	require.NoError(t, err)

	resp, err := svc.Extract(context.Background(), Request{SessionID: "s", UserID: "u", TranscriptText: "call mom"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer k1", gotAuth)
	assert.Equal(t, "call mom", gotReq.TranscriptText)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "tomorrow at 5pm", resp.Actions[0].DueContext)
	assert.InDelta(t, 0.92, resp.Actions[0].Confidence, 1e-9)
}

func TestHTTPService_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc, err := NewHTTPService(HTTPServiceOpts{URL: srv.URL})
	require.NoError(t, err)
	_, err = svc.Extract(context.Background(), Request{TranscriptText: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPService_RateLimitHonorsContext(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"actions":[]}`))
	}))
	defer srv.Close()

	svc, err := NewHTTPService(HTTPServiceOpts{URL: srv.URL, RateLimit: 0.01, Burst: 1})
	require.NoError(t, err)

	_, err = svc.Extract(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.Extract(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestNewHTTPService_RequiresURL(t *testing.T) {
	_, err := NewHTTPService(HTTPServiceOpts{})
	assert.Error(t, err)
}
