// Package mock provides an in-memory implementation of [engine.Runner] for
// unit tests of code that supervises sessions.
//
// The mock records every call and lets the test script the session's life:
// Start returns StartErr, and the running session ends when the test calls
// [Runner.Fail] or [Runner.CloseRemote]. It is safe for concurrent use.
//
// Example:
//
//	r := &mock.Runner{}
//	_ = r.Start(ctx)
//	r.Fail(errors.New("reset"))
//	<-r.Done() // r.Err() wraps engine.ErrChannel
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/internal/engine"
)

var _ engine.Runner = (*Runner)(nil)

// Runner is a mock implementation of [engine.Runner].
type Runner struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start and moves the runner to
	// StateError.
	StartErr error

	// StopErr is returned by the first Stop call.
	StopErr error

	// StartCalls counts Start invocations.
	StartCalls int

	// StopCalls counts Stop invocations.
	StopCalls int

	state State
	err   error
	done  chan struct{}
	ended bool
}

// State is an alias so callers need not import engine for comparisons.
type State = engine.State

func (r *Runner) doneLocked() chan struct{} {
	if r.done == nil {
		r.done = make(chan struct{})
	}
	return r.done
}

// endLocked moves to a terminal state once.
func (r *Runner) endLocked(s State, err error) {
	if r.ended {
		return
	}
	r.ended = true
	r.state = s
	r.err = err
	close(r.doneLocked())
}

// Start implements [engine.Runner].
func (r *Runner) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls++
	if r.state != engine.StateIdle || r.ended {
		return engine.ErrSessionAlreadyActive
	}
	if r.StartErr != nil {
		r.endLocked(engine.StateError, r.StartErr)
		return r.StartErr
	}
	r.state = engine.StateListening
	return nil
}

// Stop implements [engine.Runner].
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StopCalls++
	if r.ended {
		return nil
	}
	r.endLocked(engine.StateClosed, nil)
	return r.StopErr
}

// State implements [engine.Runner].
func (r *Runner) State() engine.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err implements [engine.Runner].
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done implements [engine.Runner].
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneLocked()
}

// Fail ends a running session with a channel error wrapping cause.
func (r *Runner) Fail(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLocked(engine.StateError, fmt.Errorf("%w: %w", engine.ErrChannel, cause))
}

// CloseRemote ends a running session as if the remote closed the channel
// cleanly.
func (r *Runner) CloseRemote() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLocked(engine.StateClosed, engine.ErrChannelClosed)
}

// Calls returns the Start and Stop call counts.
func (r *Runner) Calls() (starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StartCalls, r.StopCalls
}
