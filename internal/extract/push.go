package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/zulandar/memorybridge/internal/models"
)

// Subject suffixes under the configured prefix.
const (
	SuffixInserted = "inserted"
	SuffixRealtime = "realtime"
)

// Transport is the push channel. Inserted rows flow out to UI clients and
// realtime candidates flow in from producers outside the polling cycle.
type Transport interface {
	PublishInserted(ctx context.Context, a models.Action) error
	PublishRealtime(ctx context.Context, sessionID string, c Candidate) error
	// SubscribeInserted delivers inserts for one session, or for every
	// session when sessionID is empty.
	SubscribeInserted(sessionID string, h func(models.Action)) (unsubscribe func(), err error)
	SubscribeRealtime(sessionID string, h func(Candidate)) (unsubscribe func(), err error)
}

// Subject builds the push subject for a session. An empty session yields
// the wildcard.
func Subject(prefix, sessionID, suffix string) string {
	if sessionID == "" {
		sessionID = "*"
	}
	return strings.Join([]string{prefix, sessionID, suffix}, ".")
}

// NATSTransport carries push messages over a NATS connection.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSTransport wraps an established connection.
func NewNATSTransport(nc *nats.Conn, prefix string) (*NATSTransport, error) {
	if nc == nil {
		return nil, fmt.Errorf("extract: nats connection is required")
	}
	if prefix == "" {
		return nil, fmt.Errorf("extract: subject prefix is required")
	}
	return &NATSTransport{nc: nc, prefix: prefix}, nil
}

// PublishInserted publishes a newly inserted action.
func (t *NATSTransport) PublishInserted(_ context.Context, a models.Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("extract: encode action: %w", err)
	}
	if err := t.nc.Publish(Subject(t.prefix, a.SessionID, SuffixInserted), data); err != nil {
		return fmt.Errorf("extract: publish inserted: %w", err)
	}
	return nil
}

// PublishRealtime publishes a realtime candidate for a session.
func (t *NATSTransport) PublishRealtime(_ context.Context, sessionID string, c Candidate) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("extract: encode candidate: %w", err)
	}
	if err := t.nc.Publish(Subject(t.prefix, sessionID, SuffixRealtime), data); err != nil {
		return fmt.Errorf("extract: publish realtime: %w", err)
	}
	return nil
}

// SubscribeInserted subscribes to inserted actions. Undecodable messages
// are dropped.
func (t *NATSTransport) SubscribeInserted(sessionID string, h func(models.Action)) (func(), error) {
	sub, err := t.nc.Subscribe(Subject(t.prefix, sessionID, SuffixInserted), func(m *nats.Msg) {
		var a models.Action
		if json.Unmarshal(m.Data, &a) == nil {
			h(a)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("extract: subscribe inserted: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// SubscribeRealtime subscribes to realtime candidates for a session.
func (t *NATSTransport) SubscribeRealtime(sessionID string, h func(Candidate)) (func(), error) {
	sub, err := t.nc.Subscribe(Subject(t.prefix, sessionID, SuffixRealtime), func(m *nats.Msg) {
		var c Candidate
		if json.Unmarshal(m.Data, &c) == nil {
			h(c)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("extract: subscribe realtime: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Bus is an in-process Transport used when no NATS server is configured.
// Handlers run synchronously on the publishing goroutine.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	inserted map[int]busSub[models.Action]
	realtime map[int]busSub[Candidate]
}

type busSub[T any] struct {
	sessionID string
	h         func(T)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		inserted: make(map[int]busSub[models.Action]),
		realtime: make(map[int]busSub[Candidate]),
	}
}

// PublishInserted delivers a to matching subscribers.
func (b *Bus) PublishInserted(_ context.Context, a models.Action) error {
	b.mu.RLock()
	var hs []func(models.Action)
	for _, s := range b.inserted {
		if s.sessionID == "" || s.sessionID == a.SessionID {
			hs = append(hs, s.h)
		}
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(a)
	}
	return nil
}

// PublishRealtime delivers c to the session's subscribers.
func (b *Bus) PublishRealtime(_ context.Context, sessionID string, c Candidate) error {
	b.mu.RLock()
	var hs []func(Candidate)
	for _, s := range b.realtime {
		if s.sessionID == "" || s.sessionID == sessionID {
			hs = append(hs, s.h)
		}
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(c)
	}
	return nil
}

// SubscribeInserted registers h for inserted actions.
func (b *Bus) SubscribeInserted(sessionID string, h func(models.Action)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.inserted[id] = busSub[models.Action]{sessionID: sessionID, h: h}
	return func() {
		b.mu.Lock()
		delete(b.inserted, id)
		b.mu.Unlock()
	}, nil
}

// SubscribeRealtime registers h for realtime candidates.
func (b *Bus) SubscribeRealtime(sessionID string, h func(Candidate)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.realtime[id] = busSub[Candidate]{sessionID: sessionID, h: h}
	return func() {
		b.mu.Lock()
		delete(b.realtime, id)
		b.mu.Unlock()
	}, nil
}
