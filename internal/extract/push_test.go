package extract

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/memorybridge/internal/models"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "mb.actions.sess-1.inserted", Subject("mb.actions", "sess-1", SuffixInserted))
	assert.Equal(t, "mb.actions.*.realtime", Subject("mb.actions", "", SuffixRealtime))
}

func TestNewNATSTransport_Validation(t *testing.T) {
	_, err := NewNATSTransport(nil, "x")
	assert.Error(t, err)
}

func TestNATSTransport_InsertedRoundTrip(t *testing.T) {
	srv := startTestNATSServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	tr, err := NewNATSTransport(nc, "memorybridge.actions")
	require.NoError(t, err)

	got := make(chan models.Action, 2)
	unsub, err := tr.SubscribeInserted("", func(a models.Action) { got <- a })
	require.NoError(t, err)
	defer unsub()
	require.NoError(t, nc.Flush())

	require.NoError(t, tr.PublishInserted(context.Background(), models.Action{
		ID: "a1", SessionID: "sess-1", Text: "Call mom", Status: models.StatusPending,
	}))

	select {
	case a := <-got:
		assert.Equal(t, "a1", a.ID)
		assert.Equal(t, "Call mom", a.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("inserted action not delivered")
	}
}

func TestNATSTransport_RealtimeFeedsListener(t *testing.T) {
	srv := startTestNATSServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	tr, err := NewNATSTransport(nc, "memorybridge.actions")
	require.NoError(t, err)
	e, store := newTestExtractor(t, &fakeService{}, tr, nil)
	ctx := context.Background()

	inserted := make(chan models.Action, 1)
	unsubIns, err := tr.SubscribeInserted("sess-1", func(a models.Action) { inserted <- a })
	require.NoError(t, err)
	defer unsubIns()

	stop, err := e.Listen(ctx, "sess-1", "user-1")
	require.NoError(t, err)
	defer stop()
	require.NoError(t, nc.Flush())

	require.NoError(t, tr.PublishRealtime(ctx, "sess-1", Candidate{Text: "Email the landlord", Confidence: 0.8}))

	select {
	case a := <-inserted:
		assert.Equal(t, "Email the landlord", a.Text)
		assert.True(t, a.Realtime)
	case <-time.After(2 * time.Second):
		t.Fatal("realtime candidate not merged")
	}

	actions, err := store.List(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}
