// Package session keeps a voice session alive across channel failures.
//
// The engine itself never reconnects: a Listening session that loses its
// channel ends in the Error state. A [Supervisor] watches the running engine
// and, when the channel fails, builds a fresh one and starts it again with
// exponential backoff. Device failures are not retried because waiting does
// not bring a microphone back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrGaveUp is returned by [Supervisor.Run] after MaxRetries consecutive
// failed attempts.
var ErrGaveUp = errors.New("session: reconnection attempts exhausted")

// Config configures a [Supervisor].
type Config struct {
	// New builds a fresh, Idle runner for every attempt. Required.
	New func() (engine.Runner, error)

	// MaxRetries is the number of consecutive failed attempts tolerated
	// before giving up. Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the delay before the first retry. It doubles per failed
	// attempt up to MaxBackoff and resets once a session is Listening.
	// Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnSession is called after each runner reaches Listening, before the
	// supervisor starts waiting on it. May be nil.
	OnSession func(engine.Runner)
}

// Supervisor runs one session at a time and replaces it when its channel
// fails. All methods are safe for concurrent use.
type Supervisor struct {
	newRunner  func() (engine.Runner, error)
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onSession  func(engine.Runner)

	mu      sync.Mutex
	current engine.Runner
	starts  int
}

// NewSupervisor creates a [Supervisor] with the given configuration.
func NewSupervisor(cfg Config) *Supervisor {
	s := &Supervisor{
		newRunner:  cfg.New,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		onSession:  cfg.OnSession,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.backoff <= 0 {
		s.backoff = defaultBackoff
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = defaultMaxBackoff
	}
	return s
}

// Current returns the runner of the latest attempt, or nil before the first.
func (s *Supervisor) Current() engine.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Ready reports whether the current session is Listening.
func (s *Supervisor) Ready() bool {
	r := s.Current()
	return r != nil && r.State() == engine.StateListening
}

// Sessions returns how many runners reached Listening so far.
func (s *Supervisor) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Run starts a session and keeps replacing it until ctx is cancelled, the
// remote closes the channel cleanly, or a non-retryable error occurs.
// Cancelling ctx stops the current session and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	delay := s.backoff
	failures := 0

	for {
		r, err := s.newRunner()
		if err != nil {
			return fmt.Errorf("session: build engine: %w", err)
		}
		s.mu.Lock()
		s.current = r
		s.mu.Unlock()

		cause := s.runOnce(ctx, r)
		switch {
		case ctx.Err() != nil:
			return nil
		case cause == nil:
			return nil
		case !retryable(cause):
			return cause
		}

		if s.listened(r) {
			failures, delay = 0, s.backoff
		}
		failures++
		if failures > s.maxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, failures, cause)
		}

		slog.Warn("session: restarting",
			"attempt", failures,
			"max_retries", s.maxRetries,
			"backoff", delay,
			"err", cause,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, s.maxBackoff)
	}
}

// runOnce starts r and waits for it to end. It returns nil when the session
// ended without a retryable cause.
func (s *Supervisor) runOnce(ctx context.Context, r engine.Runner) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.starts++
	s.mu.Unlock()
	if s.onSession != nil {
		s.onSession(r)
	}

	select {
	case <-ctx.Done():
		if err := r.Stop(); err != nil {
			slog.Warn("session: stop", "err", err)
		}
		return nil
	case <-r.Done():
	}

	err := r.Err()
	if errors.Is(err, engine.ErrChannelClosed) {
		slog.Info("session: remote ended the session")
		return nil
	}
	return err
}

// listened reports whether r got past Start, i.e. ended from Listening.
func (s *Supervisor) listened(r engine.Runner) bool {
	return errors.Is(r.Err(), engine.ErrChannel)
}

// retryable reports whether waiting and trying again can help.
func retryable(err error) bool {
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		return false
	}
	return errors.Is(err, engine.ErrChannel) || errors.Is(err, s2s.ErrConnect)
}
