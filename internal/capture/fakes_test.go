package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errStreamClosed = errors.New("stream closed")

type fakeIssuer struct {
	mu    sync.Mutex
	ttl   time.Duration
	err   error
	calls int
}

func (f *fakeIssuer) Issue(ctx context.Context) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Token{}, f.err
	}
	tok := Token{Value: "tok"}
	if f.ttl > 0 {
		tok.ExpiresAt = time.Now().Add(f.ttl)
	}
	return tok, nil
}

func (f *fakeIssuer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStream struct {
	in        chan Message
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu   sync.Mutex
	sent [][]byte
}

func newFakeStream(ack bool) *fakeStream {
	st := &fakeStream{in: make(chan Message, 32), closed: make(chan struct{})}
	if ack {
		st.in <- Message{Type: MsgAck}
	}
	return st
}

func (f *fakeStream) Send(chunk []byte) error {
	select {
	case <-f.closed:
		return errStreamClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeStream) Recv() (Message, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.closed:
		return Message{}, errStreamClosed
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return f.closeErr
}

// drop simulates the server closing the connection.
func (f *fakeStream) drop() { f.closeOnce.Do(func() { close(f.closed) }) }

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeStream) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type fakeDialer struct {
	mu       sync.Mutex
	streams  []*fakeStream
	err      error
	noAck    bool
	closeErr error
}

func (f *fakeDialer) Dial(ctx context.Context, tok Token) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	st := newFakeStream(!f.noAck)
	st.closeErr = f.closeErr
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeDialer) Streams() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

type fakeMic struct {
	mu      sync.Mutex
	openErr error
	frames  chan []byte
	opens   int
	closes  int
}

func newFakeMic() *fakeMic {
	return &fakeMic{frames: make(chan []byte, 16)}
}

func (f *fakeMic) Open(ctx context.Context) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens++
	return f.frames, nil
}

func (f *fakeMic) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeMic) Counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

func (f *fakeIssuer) set(ttl time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl = ttl
	f.err = err
}
