// Package capture streams microphone audio to a realtime transcription
// provider and emits interim and final transcript fragments.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/memorybridge/internal/logging"
	"github.com/zulandar/memorybridge/internal/metrics"
	"github.com/zulandar/memorybridge/internal/transcript"
)

// Defaults applied by NewSession.
const (
	DefaultSampleRate    = 16000
	DefaultChunkInterval = 250 * time.Millisecond
	DefaultRefreshMargin = 30 * time.Second
	DefaultAckTimeout    = 10 * time.Second
)

// Options holds the collaborators and tuning of a capture Session.
type Options struct {
	Issuer     TokenIssuer
	Dialer     Dialer
	Microphone Microphone

	SampleRate    int
	ChunkInterval time.Duration
	RefreshMargin time.Duration
	AckTimeout    time.Duration
	MaxReconnects int

	Logger  *zap.Logger
	OnState func(from, to State)
}

// Session is one capture lifecycle: idle, connecting, streaming, stopping
// and back to idle, with error reachable from connecting and streaming.
type Session struct {
	opts    Options
	log     *zap.Logger
	machine *Machine

	reconnMu sync.Mutex

	mu        sync.Mutex
	stream    Stream
	micOpen   bool
	gen       int
	expiresAt time.Time
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	frags     chan transcript.Fragment
	rearm     chan struct{}
	err       error
}

// NewSession validates opts and returns an idle session.
func NewSession(opts Options) (*Session, error) {
	if opts.Issuer == nil {
		return nil, fmt.Errorf("capture: token issuer is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("capture: dialer is required")
	}
	if opts.Microphone == nil {
		return nil, fmt.Errorf("capture: microphone is required")
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = DefaultChunkInterval
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	s := &Session{opts: opts, log: logging.OrNop(opts.Logger)}
	s.machine = NewMachine(func(from, to State) {
		metrics.CaptureTransitions.WithLabelValues(string(to)).Inc()
		s.log.Debug("capture state", zap.String("from", string(from)), zap.String("to", string(to)))
		if opts.OnState != nil {
			opts.OnState(from, to)
		}
	})
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.machine.State()
}

// Err returns the error that moved the session to the error state, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect issues a credential, opens the microphone and the provider
// stream, and starts streaming once the provider acknowledges. Fragments
// are delivered on the returned channel, which is closed after the session
// stops. On failure the session is left in the error state.
func (s *Session) Connect(ctx context.Context) (<-chan transcript.Fragment, error) {
	if err := s.machine.Transition(Connecting); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wg := &sync.WaitGroup{}
	s.mu.Lock()
	s.cancel = cancel
	s.wg = wg
	s.err = nil
	s.rearm = make(chan struct{}, 1)
	s.mu.Unlock()

	// Connect-phase calls stop on either the caller's ctx or Disconnect.
	cctx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(runCtx, stop)
	defer unregister()

	tok, err := s.opts.Issuer.Issue(cctx)
	if err != nil {
		return nil, s.abortConnect(runCtx, fmt.Errorf("capture: issue token: %w", err))
	}

	audio, err := s.opts.Microphone.Open(runCtx)
	if err != nil {
		return nil, s.abortConnect(runCtx, fmt.Errorf("capture: open microphone: %w", err))
	}
	s.mu.Lock()
	s.micOpen = true
	s.mu.Unlock()
	if runCtx.Err() != nil {
		return nil, s.abortConnect(runCtx, ErrDisconnected)
	}

	st, err := s.dial(cctx, tok)
	if err != nil {
		return nil, s.abortConnect(runCtx, err)
	}

	frags := make(chan transcript.Fragment, 64)
	s.mu.Lock()
	s.stream = st
	s.gen++
	gen := s.gen
	s.expiresAt = tok.ExpiresAt
	s.frags = frags
	s.mu.Unlock()
	if runCtx.Err() != nil {
		return nil, s.abortConnect(runCtx, ErrDisconnected)
	}

	if err := s.machine.Transition(Streaming); err != nil {
		return nil, s.abortConnect(runCtx, ErrDisconnected)
	}

	wg.Add(3)
	go s.sendLoop(runCtx, wg, audio)
	go s.recvLoop(runCtx, wg, st, gen)
	go s.refreshLoop(runCtx, wg)
	go func() {
		wg.Wait()
		close(frags)
	}()
	return frags, nil
}

// abortConnect releases whatever Connect acquired. Unless Disconnect is
// already stopping the session, it records err and enters the error state.
func (s *Session) abortConnect(runCtx context.Context, err error) error {
	interrupted := runCtx.Err() != nil
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.release()
	if interrupted {
		return ErrDisconnected
	}
	s.fail(err)
	return err
}

// fail enters the error state and records err. It reports false when the
// session is already stopping.
func (s *Session) fail(err error) bool {
	if terr := s.machine.Transition(Error); terr != nil {
		return false
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Warn("capture session failed", zap.Error(err))
	return true
}

// dial opens a stream and waits for the provider's acknowledgement.
func (s *Session) dial(ctx context.Context, tok Token) (Stream, error) {
	st, err := s.opts.Dialer.Dial(ctx, tok)
	if err != nil {
		if errors.Is(err, ErrProviderAuth) || errors.Is(err, ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	ackCh := make(chan error, 1)
	go func() {
		msg, err := st.Recv()
		switch {
		case err != nil:
			ackCh <- fmt.Errorf("%w: awaiting ack: %v", ErrProviderUnavailable, err)
		case msg.Type == MsgAck:
			ackCh <- nil
		case msg.Type == MsgError:
			ackCh <- fmt.Errorf("%w: %s", ErrProviderAuth, msg.Error)
		default:
			ackCh <- fmt.Errorf("%w: unexpected %q before ack", ErrProviderUnavailable, msg.Type)
		}
	}()

	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ackCh:
		if err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case <-timer.C:
		st.Close()
		return nil, fmt.Errorf("%w: no acknowledgement within %s", ErrProviderUnavailable, s.opts.AckTimeout)
	case <-ctx.Done():
		st.Close()
		return nil, ctx.Err()
	}
}

// Disconnect stops streaming and releases the microphone and stream. It is
// idempotent and always releases the microphone, even when closing the
// stream fails.
func (s *Session) Disconnect() error {
	if err := s.machine.Transition(Stopping); err != nil {
		// Already idle or being stopped elsewhere.
		return nil
	}
	s.mu.Lock()
	cancel, wg := s.cancel, s.wg
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.release()
	if wg != nil {
		wg.Wait()
	}
	return s.machine.Transition(Idle)
}

// release closes the current stream and microphone, each at most once.
func (s *Session) release() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	mic := s.micOpen
	s.micOpen = false
	s.mu.Unlock()

	if st != nil {
		if err := st.Close(); err != nil {
			s.log.Warn("close provider stream", zap.Error(err))
		}
	}
	if mic {
		if err := s.opts.Microphone.Close(); err != nil {
			s.log.Warn("release microphone", zap.Error(err))
		}
	}
}

func (s *Session) currentStream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// sendLoop regroups microphone frames into fixed-interval chunks and sends
// them on the current stream.
func (s *Session) sendLoop(ctx context.Context, wg *sync.WaitGroup, audio <-chan []byte) {
	defer wg.Done()
	chunker := NewChunker(ChunkSize(s.opts.SampleRate, s.opts.ChunkInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-audio:
			if !ok {
				if rest := chunker.Flush(); rest != nil {
					s.send(rest)
				}
				return
			}
			for _, chunk := range chunker.Write(frame) {
				s.send(chunk)
			}
		}
	}
}

func (s *Session) send(chunk []byte) {
	st := s.currentStream()
	if st == nil {
		return
	}
	if err := st.Send(chunk); err != nil {
		s.log.Debug("send audio chunk", zap.Error(err))
	}
}

// recvLoop forwards provider messages as fragments. Finals are delivered at
// most once per provider sequence.
func (s *Session) recvLoop(ctx context.Context, wg *sync.WaitGroup, st Stream, gen int) {
	defer wg.Done()
	lastSeq := 0
	for {
		msg, err := st.Recv()
		if err != nil {
			if ctx.Err() != nil || s.currentStream() != st {
				return
			}
			s.log.Warn("provider stream dropped", zap.Int("generation", gen), zap.Error(err))
			s.handleDrop(ctx, err)
			return
		}
		switch msg.Type {
		case MsgInterim:
			s.emit(ctx, transcript.Fragment{Kind: transcript.Interim, Text: msg.Text, Confidence: msg.Confidence, Generation: gen, Seq: msg.Seq})
		case MsgFinal:
			if msg.Seq > 0 {
				if msg.Seq <= lastSeq {
					continue
				}
				lastSeq = msg.Seq
			}
			s.emit(ctx, transcript.Fragment{Kind: transcript.Final, Text: msg.Text, Confidence: msg.Confidence, Generation: gen, Seq: msg.Seq})
		case MsgError:
			s.log.Warn("provider reported error", zap.String("error", msg.Error))
		}
	}
}

func (s *Session) emit(ctx context.Context, f transcript.Fragment) {
	s.mu.Lock()
	frags := s.frags
	s.mu.Unlock()
	select {
	case frags <- f:
	case <-ctx.Done():
	}
}

// handleDrop reconnects with fresh credentials after an unexpected close,
// entering the error state once MaxReconnects attempts are exhausted.
func (s *Session) handleDrop(ctx context.Context, cause error) {
	lastErr := cause
	for attempt := 1; attempt <= s.opts.MaxReconnects; attempt++ {
		metrics.CaptureReconnects.WithLabelValues("dropped").Inc()
		err := s.reconnect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		s.log.Warn("provider reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, ErrProviderAuth) {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}

	if !errors.Is(lastErr, ErrProviderAuth) && !errors.Is(lastErr, ErrProviderUnavailable) {
		lastErr = fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if !s.fail(lastErr) {
		return
	}
	cancel()
	s.release()
}

// reconnect opens a new stream with a fresh credential and swaps it in
// before closing the old one.
func (s *Session) reconnect(ctx context.Context) error {
	s.reconnMu.Lock()
	defer s.reconnMu.Unlock()

	tok, err := s.opts.Issuer.Issue(ctx)
	if err != nil {
		return fmt.Errorf("capture: refresh token: %w", err)
	}
	st, err := s.dial(ctx, tok)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		st.Close()
		return ctx.Err()
	}
	old := s.stream
	s.stream = st
	s.gen++
	gen := s.gen
	s.expiresAt = tok.ExpiresAt
	wg := s.wg
	rearm := s.rearm
	s.mu.Unlock()

	wg.Add(1)
	go s.recvLoop(ctx, wg, st, gen)
	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Debug("close replaced stream", zap.Error(err))
		}
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
	s.log.Info("provider stream replaced", zap.Int("generation", gen))
	return nil
}

// refreshWait is how long to wait before replacing a stream whose
// credential expires in remaining. A credential that lives no longer than
// margin is refreshed halfway through its life instead.
func refreshWait(remaining, margin time.Duration) time.Duration {
	if remaining <= 0 {
		return 0
	}
	return max(remaining-margin, remaining/2)
}

// refreshLoop replaces the stream RefreshMargin before its credential
// expires.
func (s *Session) refreshLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		s.mu.Lock()
		exp := s.expiresAt
		rearm := s.rearm
		s.mu.Unlock()

		var fire <-chan time.Time
		var timer *time.Timer
		if !exp.IsZero() {
			timer = time.NewTimer(refreshWait(time.Until(exp), s.opts.RefreshMargin))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-rearm:
			stopTimer(timer)
			continue
		case <-fire:
			metrics.CaptureReconnects.WithLabelValues("refresh").Inc()
			if err := s.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("proactive token refresh failed", zap.Error(err))
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
