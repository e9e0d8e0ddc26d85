// Package engine owns one duplex voice session: it acquires the microphone,
// the speaker line and the channel to the model, pumps captured audio out and
// synthesised audio in, and tears all of it down again.
//
// An [Engine] moves through a small state machine:
//
//	Idle ──Start──▶ Connecting ──ok──▶ Listening ──remote close──▶ Closed
//	                    │                  │
//	                    └──failure──▶ Error ◀──channel failure──┘
//
// Stop is valid from every state and always ends in Closed, unless an error
// was already surfaced. An interruption from the model flushes playback and
// keeps the session Listening. The engine never reconnects by itself; see
// internal/session for a supervisor that does.
//
// This package lives under internal/ because the lifecycle policy is
// application-private.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/pcm"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

var _ Runner = (*Engine)(nil)

// ─── Errors ──────────────────────────────────────────────────────────────────

var (
	// ErrSessionAlreadyActive is returned by Start on any engine that has
	// left the Idle state. Engines are single-use.
	ErrSessionAlreadyActive = errors.New("engine: session already active")

	// ErrChannel wraps the transport error that ended a Listening session.
	ErrChannel = errors.New("engine: channel failed")

	// ErrChannelClosed is recorded when the remote end closed the channel
	// cleanly while the session was Listening.
	ErrChannelClosed = errors.New("engine: channel closed by remote")

	// ErrStopped is returned by a Start that was cancelled by Stop.
	ErrStopped = errors.New("engine: stopped during start")

	// ErrNotListening is returned by Interrupt outside the Listening state.
	ErrNotListening = errors.New("engine: not listening")
)

// ─── State ───────────────────────────────────────────────────────────────────

// State is the lifecycle state of an [Engine].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateClosed
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Closed or Error.
func (s State) Terminal() bool { return s == StateClosed || s == StateError }

// Runner is the lifecycle surface of an [Engine]. Supervisors depend on it so
// that tests can substitute internal/engine/mock.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
	State() State
	Err() error
	Done() <-chan struct{}
}

// ─── Configuration ───────────────────────────────────────────────────────────

// Config names the collaborators of one session.
type Config struct {
	// Input is the microphone. Required.
	Input audio.InputDevice

	// Output is the speaker. Required.
	Output audio.OutputDevice

	// Provider opens the duplex channel. Required.
	Provider s2s.Provider

	// Session is passed to Provider.Connect. An empty ID is replaced by a
	// random UUID.
	Session s2s.SessionConfig

	// FrameSize overrides the capture frame size in samples. Zero selects
	// [audio.CaptureFrameSize].
	FrameSize int
}

func (c Config) validate() error {
	var errs []error
	if c.Input == nil {
		errs = append(errs, errors.New("engine: input device is required"))
	}
	if c.Output == nil {
		errs = append(errs, errors.New("engine: output device is required"))
	}
	if c.Provider == nil {
		errs = append(errs, errors.New("engine: provider is required"))
	}
	if c.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("engine: frame size %d is negative", c.FrameSize))
	}
	return errors.Join(errs...)
}

const defaultTranscriptBuffer = 64

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics records session, capture and playback instruments on m instead
// of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithCaptureObserver adds a read-only tap on every accepted capture frame,
// for example a spectrum analyser. It runs on the audio thread and must not
// block.
func WithCaptureObserver(fn func(audio.Frame)) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// WithTranscriptBuffer sets the capacity of the [Engine.Transcripts]
// channel. Transcripts are dropped while it is full.
func WithTranscriptBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.transcriptBuf = n
		}
	}
}

// ─── Engine ──────────────────────────────────────────────────────────────────

// Engine runs a single duplex voice session. All methods are safe for
// concurrent use.
type Engine struct {
	cfg           Config
	metrics       *observe.Metrics
	observers     []func(audio.Frame)
	transcriptBuf int

	mu          sync.Mutex
	state       State
	err         error
	res         *resources
	cancelStart context.CancelFunc
	startDone   chan struct{}
	stopping    bool
	tearingDown bool
	pumping     bool
	listeners   []func(from, to State)
	pending     []transition

	// notifyMu serialises listener callbacks so they observe transitions in
	// order without running under mu.
	notifyMu sync.Mutex

	// out is the channel captured audio goes to; nil outside Listening.
	out atomic.Pointer[outbound]

	transcripts chan s2s.Transcript
	done        chan struct{}
	pumpWG      sync.WaitGroup

	// afterAcquire runs between acquisition and the move to Listening. Tests
	// use it to interleave a Stop.
	afterAcquire func()
}

type outbound struct{ session s2s.SessionHandle }

type transition struct{ from, to State }

// Stats combines the counters of the capture pipeline and the playback
// scheduler of the current session.
type Stats struct {
	Capture  capture.Stats
	Playback playback.Stats
}

// New validates cfg and returns an Idle engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Session.ID == "" {
		cfg.Session.ID = uuid.NewString()
	}
	e := &Engine{
		cfg:           cfg,
		metrics:       observe.DefaultMetrics(),
		transcriptBuf: defaultTranscriptBuffer,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.transcripts = make(chan s2s.Transcript, e.transcriptBuf)
	return e, nil
}

// SessionID returns the identifier passed to the provider.
func (e *Engine) SessionID() string { return e.cfg.Session.ID }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error that ended the session: the Start failure, an
// [ErrChannel]-wrapped transport error, or [ErrChannelClosed]. It is nil
// while the session is live and after a local Stop.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done is closed once the engine has reached a terminal state and released
// every resource.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Transcripts delivers user and model transcripts in arrival order. It is
// closed when the session ends.
func (e *Engine) Transcripts() <-chan s2s.Transcript { return e.transcripts }

// OnStateChange registers fn to be called after every state transition.
// Callbacks run outside the engine lock, one at a time, in transition order.
func (e *Engine) OnStateChange(fn func(from, to State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Stats returns the counters of the live session, or zero values when no
// session is live.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	res := e.res
	e.mu.Unlock()
	var st Stats
	if res != nil {
		if res.capture != nil {
			st.Capture = res.capture.Stats()
		}
		if res.sched != nil {
			st.Playback = res.sched.Stats()
		}
	}
	return st
}

// Start acquires the input device, the output line and the channel
// concurrently and moves the engine to Listening. It returns
// [ErrSessionAlreadyActive] unless the engine is Idle.
//
// On failure every partially acquired resource is released, the engine moves
// to Error and the cause is returned (wrapping [audio.ErrDeviceUnavailable]
// or [s2s.ErrConnect]). A concurrent Stop cancels the attempt; Start then
// returns [ErrStopped] and the engine is Closed.
func (e *Engine) Start(ctx context.Context) (err error) {
	e.mu.Lock()
	if e.state != StateIdle || e.tearingDown {
		e.mu.Unlock()
		return ErrSessionAlreadyActive
	}
	startCtx, cancel := context.WithCancel(ctx)
	startDone := make(chan struct{})
	e.cancelStart = cancel
	e.startDone = startDone
	e.setStateLocked(StateConnecting)
	e.mu.Unlock()
	e.notify()

	defer close(startDone)
	defer cancel()

	began := time.Now()
	spanCtx, span := observe.StartSpan(startCtx, "engine.start")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(spanCtx).With("session_id", e.cfg.Session.ID)

	res, err := e.acquire(spanCtx)
	if e.afterAcquire != nil {
		e.afterAcquire()
	}

	// The stop check and the move to Listening share one critical section:
	// a Stop that sees Connecting is always observed here.
	e.mu.Lock()
	e.res = res
	stopping := e.stopping
	if !stopping && err == nil {
		e.out.Store(&outbound{session: res.session})
		e.setStateLocked(StateListening)
		e.metrics.ActiveSessions.Add(ctx, 1)
		e.pumping = true
		e.pumpWG.Add(1)
		go e.pump(res.session, res.sched)
	}
	e.mu.Unlock()

	switch {
	case stopping:
		e.metrics.RecordConnect(ctx, time.Since(began).Seconds(), "cancelled")
		_ = e.shutdown(StateClosed, nil)
		log.Info("engine: start cancelled by stop")
		return ErrStopped
	case err != nil:
		e.metrics.RecordConnect(ctx, time.Since(began).Seconds(), "error")
		_ = e.shutdown(StateError, err)
		log.Error("engine: start failed", "err", err)
		return err
	}
	e.notify()

	e.metrics.RecordConnect(ctx, time.Since(began).Seconds(), "ok")
	log.Info("engine: listening", "elapsed", time.Since(began))
	return nil
}

// Stop ends the session and returns once the input device, output line and
// channel are released and every playback unit is stopped. It is idempotent
// and valid from any state, including while Start is in flight.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == StateConnecting && !e.tearingDown {
		e.stopping = true
		cancel, startDone := e.cancelStart, e.startDone
		e.mu.Unlock()
		cancel()
		<-startDone
		return nil
	}
	e.mu.Unlock()

	err := e.shutdown(StateClosed, nil)
	e.pumpWG.Wait()
	return err
}

// Interrupt performs a local barge-in: queued playback is flushed at once
// and the channel is asked to discard the rest of the model's turn.
func (e *Engine) Interrupt() error {
	e.mu.Lock()
	res := e.res
	if e.state != StateListening || res == nil {
		e.mu.Unlock()
		return ErrNotListening
	}
	e.mu.Unlock()

	res.sched.Flush()
	e.metrics.PlaybackFlushes.Add(context.Background(), 1)
	if err := res.session.Interrupt(); err != nil {
		// A shutdown raced us and closed the channel.
		if errors.Is(err, s2s.ErrSessionClosed) {
			return ErrNotListening
		}
		return fmt.Errorf("engine: interrupt: %w", err)
	}
	return nil
}

// ── acquisition ──

// resources holds everything a session owns. Any field may be nil after a
// failed acquisition.
type resources struct {
	capture *capture.Pipeline
	line    audio.OutputLine
	sched   *playback.Scheduler
	session s2s.SessionHandle
}

// release tears down in dependency order: stop sending, stop sound, close
// the line, close the channel.
func (r *resources) release() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.capture != nil {
		errs = append(errs, r.capture.Stop())
	}
	if r.sched != nil {
		errs = append(errs, r.sched.Close())
	}
	if r.line != nil {
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: close output line: %w", err))
		}
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: close channel: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) acquire(ctx context.Context) (*resources, error) {
	res := &resources{}
	pipe := capture.New(e.cfg.Input, capture.SinkFunc(e.sendAudio), e.captureOptions()...)

	// Each goroutine writes its own field; Wait orders those writes before
	// the reads below.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := pipe.Start(gctx); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		res.capture = pipe
		return nil
	})
	g.Go(func() error {
		line, err := e.cfg.Output.OpenLine(gctx, audio.PlaybackFormat)
		if err != nil {
			if errors.Is(err, audio.ErrDeviceUnavailable) || isContextErr(err) {
				return fmt.Errorf("engine: open output line: %w", err)
			}
			return fmt.Errorf("engine: open output line: %w: %w", audio.ErrDeviceUnavailable, err)
		}
		res.line = line
		return nil
	})
	g.Go(func() error {
		cctx, span := observe.StartSpan(gctx, "engine.connect")
		h, err := e.cfg.Provider.Connect(cctx, e.cfg.Session)
		observe.EndSpan(span, err)
		if err != nil {
			if errors.Is(err, s2s.ErrConnect) || isContextErr(err) {
				return fmt.Errorf("engine: connect: %w", err)
			}
			return fmt.Errorf("engine: connect: %w: %w", s2s.ErrConnect, err)
		}
		res.session = h
		return nil
	})
	err := g.Wait()
	if err == nil {
		res.sched = playback.New(res.line, e.playbackOptions(res.line)...)
	}
	return res, err
}

func (e *Engine) captureOptions() []capture.Option {
	opts := []capture.Option{
		capture.WithObserver(func(audio.Frame) {
			e.metrics.CaptureFrames.Add(context.Background(), 1)
		}),
		capture.WithSendErrorHandler(func(error) {
			e.metrics.CaptureSendErrors.Add(context.Background(), 1)
		}),
	}
	for _, obs := range e.observers {
		opts = append(opts, capture.WithObserver(obs))
	}
	if e.cfg.FrameSize > 0 {
		opts = append(opts, capture.WithFrameSize(e.cfg.FrameSize))
	}
	return opts
}

func (e *Engine) playbackOptions(line audio.OutputLine) []playback.Option {
	return []playback.Option{
		playback.WithObserver(func(u playback.Unit) {
			ctx := context.Background()
			e.metrics.PlaybackUnits.Add(ctx, 1)
			e.metrics.PlaybackLead.Record(ctx, max(u.Start-line.Now(), 0).Seconds())
		}),
		playback.WithUnderrunHandler(func(gap time.Duration) {
			e.metrics.PlaybackUnderruns.Add(context.Background(), 1)
			slog.Debug("engine: playback underrun", "session_id", e.cfg.Session.ID, "gap", gap)
		}),
		playback.WithDecodeErrorHandler(func(error) {
			e.metrics.PlaybackDecodeErrors.Add(context.Background(), 1)
		}),
	}
}

// sendAudio is the capture sink. Frames captured before Listening are
// skipped.
func (e *Engine) sendAudio(chunk pcm.WireChunk) error {
	o := e.out.Load()
	if o == nil {
		return capture.ErrSkipped
	}
	return o.session.SendAudio(chunk)
}

// ── inbound pump ──

func (e *Engine) pump(session s2s.SessionHandle, sched *playback.Scheduler) {
	defer e.pumpWG.Done()
	defer close(e.transcripts)

	events := session.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				e.channelEnded(session)
				return
			}
			e.dispatch(ev, sched)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) dispatch(ev s2s.Event, sched *playback.Scheduler) {
	switch ev.Kind {
	case s2s.EventAudio:
		if err := sched.Enqueue(ev.Audio); err != nil && !errors.Is(err, playback.ErrClosed) {
			slog.Warn("engine: schedule playback", "session_id", e.cfg.Session.ID, "err", err)
		}
	case s2s.EventInterrupted:
		sched.Flush()
		e.metrics.PlaybackFlushes.Add(context.Background(), 1)
		slog.Debug("engine: interrupted, playback flushed", "session_id", e.cfg.Session.ID)
	case s2s.EventTurnComplete:
		sched.EndOfTurn()
	case s2s.EventTranscript:
		select {
		case e.transcripts <- ev.Transcript:
		default:
			slog.Debug("engine: transcript buffer full, dropping", "session_id", e.cfg.Session.ID)
		}
	default:
		slog.Debug("engine: ignoring event", "kind", ev.Kind)
	}
}

func (e *Engine) channelEnded(session s2s.SessionHandle) {
	if err := session.Err(); err != nil {
		slog.Error("engine: channel failed", "session_id", e.cfg.Session.ID, "err", err)
		_ = e.shutdown(StateError, fmt.Errorf("%w: %w", ErrChannel, err))
		return
	}
	slog.Info("engine: channel closed by remote", "session_id", e.cfg.Session.ID)
	_ = e.shutdown(StateClosed, ErrChannelClosed)
}

// ── teardown ──

// shutdown releases the session's resources and moves to final. Only the
// first caller tears down; later callers wait for it and return nil.
func (e *Engine) shutdown(final State, cause error) error {
	e.mu.Lock()
	if e.tearingDown {
		e.mu.Unlock()
		<-e.done
		return nil
	}
	e.tearingDown = true
	res := e.res
	e.res = nil
	wasListening := e.state == StateListening
	pumping := e.pumping
	e.mu.Unlock()

	e.out.Store(nil)
	err := res.release()
	if err != nil {
		slog.Warn("engine: release", "session_id", e.cfg.Session.ID, "err", err)
	}

	ctx := context.Background()
	if wasListening {
		e.metrics.ActiveSessions.Add(ctx, -1)
	}
	if final == StateError {
		e.metrics.RecordSessionError(ctx, errorKind(cause))
	}

	e.mu.Lock()
	e.err = cause
	e.setStateLocked(final)
	e.mu.Unlock()
	e.notify()

	if !pumping {
		close(e.transcripts)
	}
	close(e.done)
	return err
}

// setStateLocked records a transition for notify. Must be called with mu
// held.
func (e *Engine) setStateLocked(to State) {
	if e.state == to {
		return
	}
	e.pending = append(e.pending, transition{from: e.state, to: to})
	e.state = to
}

// notify delivers pending transitions to the listeners.
func (e *Engine) notify() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	listeners := e.listeners
	e.mu.Unlock()

	for _, t := range pending {
		for _, fn := range listeners {
			fn(t.from, t.to)
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// errorKind classifies a terminal error for the session error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device"
	case errors.Is(err, s2s.ErrConnect):
		return "connect"
	case errors.Is(err, ErrChannel):
		return "channel"
	default:
		return "other"
	}
}
