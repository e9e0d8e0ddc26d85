package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/s2s"
)

var _ s2s.Provider = (*Failover)(nil)

// ErrAllFailed is wrapped by [Failover.Connect] when no provider produced a
// session.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Entry is one named provider in a [Failover].
type Entry struct {
	Name     string
	Provider s2s.Provider
}

type guarded struct {
	Entry
	breaker *CircuitBreaker
}

// Failover is an [s2s.Provider] that connects through the first healthy
// entry. Cancellation of the caller's context is never held against a
// provider.
type Failover struct {
	entries []guarded

	mu     sync.Mutex
	active string
}

// NewFailover creates a Failover trying primary first and then fallbacks in
// order. cfg is applied to every entry's breaker; Name and IsFailure are set
// per entry.
func NewFailover(primary Entry, fallbacks []Entry, cfg CircuitBreakerConfig) *Failover {
	f := &Failover{}
	for _, e := range append([]Entry{primary}, fallbacks...) {
		bc := cfg
		bc.Name = e.Name
		bc.IsFailure = countsAgainstProvider
		f.entries = append(f.entries, guarded{Entry: e, breaker: NewCircuitBreaker(bc)})
	}
	return f
}

// Connect tries each entry in order and returns the first session. When all
// fail, the returned error wraps [s2s.ErrConnect], [ErrAllFailed] and every
// attempt's error.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var errs []error
	for i := range f.entries {
		e := &f.entries[i]
		var h s2s.SessionHandle
		err := e.breaker.Execute(func() error {
			var err error
			h, err = e.Provider.Connect(ctx, cfg)
			return err
		})
		if err == nil {
			f.mu.Lock()
			f.active = e.Name
			f.mu.Unlock()
			if i > 0 {
				slog.Info("resilience: connected through fallback", "provider", e.Name)
			}
			return h, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("resilience: connect %s: %w", e.Name, err)
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider, circuit open", "provider", e.Name)
		} else {
			slog.Warn("resilience: provider failed, trying next", "provider", e.Name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
	}
	return nil, fmt.Errorf("%w: %w: %w", s2s.ErrConnect, ErrAllFailed, errors.Join(errs...))
}

// Capabilities reports the primary provider's capabilities.
func (f *Failover) Capabilities() s2s.Capabilities {
	return f.entries[0].Provider.Capabilities()
}

// Active returns the name of the provider that served the latest session, or
// "" before the first successful Connect.
func (f *Failover) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// BreakerState returns the breaker state of the named entry.
func (f *Failover) BreakerState(name string) (State, bool) {
	for i := range f.entries {
		if f.entries[i].Name == name {
			return f.entries[i].breaker.State(), true
		}
	}
	return StateClosed, false
}

func countsAgainstProvider(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
