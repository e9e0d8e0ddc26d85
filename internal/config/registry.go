package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to constructor functions for speech-to-speech backends
// and host audio devices. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	s2s    map[string]func(ProviderEntry) (s2s.Provider, error)
	input  map[string]func(AudioConfig) (audio.InputDevice, error)
	output map[string]func(AudioConfig) (audio.OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:    make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		input:  make(map[string]func(AudioConfig) (audio.InputDevice, error)),
		output: make(map[string]func(AudioConfig) (audio.OutputDevice, error)),
	}
}

// RegisterS2S registers a speech-to-speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterInput registers a capture device factory under name.
func (r *Registry) RegisterInput(name string, factory func(AudioConfig) (audio.InputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a playback device factory under name.
func (r *Registry) RegisterOutput(name string, factory func(AudioConfig) (audio.OutputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateS2S instantiates a provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateInput instantiates the capture device registered under name.
func (r *Registry) CreateInput(name string, cfg AudioConfig) (audio.InputDevice, error) {
	r.mu.RLock()
	factory, ok := r.input[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateOutput instantiates the playback device registered under name.
func (r *Registry) CreateOutput(name string, cfg AudioConfig) (audio.OutputDevice, error) {
	r.mu.RLock()
	factory, ok := r.output[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// S2SNames returns the registered provider names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for name := range r.s2s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
