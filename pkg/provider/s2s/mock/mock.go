// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to drive the inbound event stream and inspect what the engine sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... start the engine, then:
//	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: chunk})
//	sess.Emit(s2s.Event{Kind: s2s.EventInterrupted})
//	sess.End(errors.New("socket reset"))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/pcm"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// defaultEventBuffer is the event channel depth of sessions created by
// [NewSession].
const defaultEventBuffer = 64

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh [NewSession] on every call.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay blocks Connect for the given duration or until ctx is done.
	ConnectDelay time.Duration

	// ProviderCapabilities is returned by Capabilities. The zero value reports
	// the capture and playback formats.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	sessions []s2s.SessionHandle
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	delay := p.ConnectDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	if p.ProviderCapabilities.InputFormat == (audio.Format{}) {
		c := p.ProviderCapabilities
		c.InputFormat = audio.CaptureFormat
		c.OutputFormat = audio.PlaybackFormat
		return c
	}
	return p.ProviderCapabilities
}

// Sessions returns every session handed out by Connect.
func (p *Provider) Sessions() []s2s.SessionHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]s2s.SessionHandle, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
	p.sessions = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
//
// Events are injected with [Session.Emit]; the session ends with
// [Session.End] or Close, both of which close the event channel once.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every chunk passed to SendAudio in order.
	SendAudioCalls []pcm.WireChunk

	// InterruptCallCount is the number of times Interrupt was called.
	InterruptCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events chan s2s.Event
	err    error
	ended  bool
}

// NewSession returns a session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, defaultEventBuffer)}
}

func (s *Session) eventsLocked() chan s2s.Event {
	if s.events == nil {
		s.events = make(chan s2s.Event, defaultEventBuffer)
	}
	return s.events
}

// Emit delivers ev on the event channel. It returns false if the session has
// already ended. Emit holds the session lock while sending, so the buffer
// must have room or the consumer must not call back into the session.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.eventsLocked() <- ev
	return true
}

// End closes the event channel with cause err (nil for a clean close). Only
// the first call has an effect.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *Session) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.eventsLocked())
}

// Ended reports whether the event channel has been closed.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SendAudio records the call and returns SendAudioErr, or
// [s2s.ErrSessionClosed] after the session ended.
func (s *Session) SendAudio(chunk pcm.WireChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s2s.ErrSessionClosed
	}
	cp := pcm.WireChunk{MIMEType: chunk.MIMEType, Data: append([]byte(nil), chunk.Data...)}
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Sent returns a copy of every chunk passed to SendAudio.
func (s *Session) Sent() []pcm.WireChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pcm.WireChunk, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsLocked()
}

// Err returns the cause passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCallCount++
	return s.InterruptErr
}

// Close records the call, ends the session cleanly and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.endLocked(nil)
	return s.CloseErr
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Interrupts returns how many times Interrupt was called.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
