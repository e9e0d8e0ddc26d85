// Package genai implements s2s.Provider on top of the official
// google.golang.org/genai Live client.
//
// It offers the same contract as the raw WebSocket adapter in the sibling
// gemini package but delegates framing, authentication and endpoint selection
// (Gemini API or Vertex AI) to the SDK.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/pcm"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel       = "gemini-2.0-flash-live-001"
	defaultEventBuffer = 64
)

// liveSession is the subset of *genai.Session the adapter uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// connectFunc opens a Live session. Replaced in tests.
type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the Live model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API endpoint, for proxies and tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithQueueDepth sets the outbound audio queue depth per session.
func WithQueueDepth(n int) Option {
	return func(p *Provider) { p.queueDepth = n }
}

// Provider opens Live sessions through the genai SDK. The SDK client is
// created lazily on the first Connect and reused afterwards.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	queueDepth int

	mu      sync.Mutex
	connect connectFunc
}

// New creates a Provider authenticating with apiKey against the Gemini API
// backend.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		queueDepth: s2s.DefaultQueueDepth,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Live API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        audio.CaptureFormat,
		OutputFormat:       audio.PlaybackFormat,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// connector returns the session opener, building the SDK client on first use.
func (p *Provider) connector(ctx context.Context) (connectFunc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connect != nil {
		return p.connect, nil
	}

	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	p.connect = func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		return client.Live.Connect(ctx, model, cfg)
	}
	return p.connect, nil
}

// Connect opens a Live session and waits for the server's setupComplete.
// Failures wrap [s2s.ErrConnect].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	connect, err := p.connector(ctx)
	if err != nil {
		return nil, fmt.Errorf("genai: %w: %w", s2s.ErrConnect, err)
	}
	live, err := connect(ctx, p.model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w: %w", s2s.ErrConnect, err)
	}
	if err := awaitSetup(ctx, live); err != nil {
		_ = live.Close()
		return nil, fmt.Errorf("genai: setup: %w: %w", s2s.ErrConnect, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     cfg.ID,
		live:   live,
		queue:  s2s.NewOutboundQueue(p.queueDepth),
		events: make(chan s2s.Event, defaultEventBuffer),
		ctx:    sessCtx,
		cancel: cancel,
	}
	s.wg.Add(2)
	go s.receiveLoop()
	go s.sendLoop()
	return s, nil
}

// awaitSetup reads until setupComplete. Receive does not take a context, so
// cancellation closes the session to unblock it.
func awaitSetup(ctx context.Context, live liveSession) error {
	result := make(chan error, 1)
	go func() {
		for {
			msg, err := live.Receive()
			if err != nil {
				result <- err
				return
			}
			if msg != nil && msg.SetupComplete != nil {
				result <- nil
				return
			}
		}
	}()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		_ = live.Close()
		<-result
		return ctx.Err()
	}
}

// liveConfig maps the session configuration onto the SDK's connect config.
func liveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcripts {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

type session struct {
	id     string
	live   liveSession
	queue  *s2s.OutboundQueue
	events chan s2s.Event
	muted  atomic.Bool

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.cancel()

	for {
		msg, err := s.live.Receive()
		if err != nil {
			// The SDK surfaces the transport's close frame unchanged.
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("genai: receive: %w", err))
			}
			return
		}
		if msg == nil {
			continue
		}
		if msg.GoAway != nil {
			slog.Warn("genai: server is closing the session soon", "session_id", s.id)
		}
		if msg.ServerContent != nil && !s.handleContent(msg.ServerContent) {
			return
		}
	}
}

func (s *session) handleContent(sc *genai.LiveServerContent) bool {
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		if !s.emitTranscript(s2s.SpeakerUser, t.Text) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 || s.muted.Load() {
				continue
			}
			ev := s2s.Event{
				Kind:  s2s.EventAudio,
				Audio: pcm.WireChunk{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data},
			}
			if !s.emit(ev) {
				return false
			}
		}
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		if !s.emitTranscript(s2s.SpeakerModel, t.Text) {
			return false
		}
	}
	if sc.Interrupted {
		s.muted.Store(false)
		if !s.emit(s2s.Event{Kind: s2s.EventInterrupted}) {
			return false
		}
	}
	if sc.TurnComplete {
		s.muted.Store(false)
		if !s.emit(s2s.Event{Kind: s2s.EventTurnComplete}) {
			return false
		}
	}
	return true
}

func (s *session) emitTranscript(who s2s.Speaker, text string) bool {
	return s.emit(s2s.Event{
		Kind:       s2s.EventTranscript,
		Transcript: s2s.Transcript{Speaker: who, Text: text, Timestamp: time.Now()},
	})
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) sendLoop() {
	defer s.wg.Done()
	for chunk := range s.queue.C() {
		err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: chunk.MIMEType, Data: chunk.Data},
		})
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("genai: send audio: %w", err))
				s.cancel()
				// Receive does not observe the context; closing the live
				// session unblocks it.
				_ = s.live.Close()
			}
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// SendAudio queues an outbound chunk without blocking.
func (s *session) SendAudio(chunk pcm.WireChunk) error {
	if s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}
	if chunk.MIMEType == "" {
		chunk.MIMEType = pcm.CaptureMIMEType
	}
	return s.queue.Push(chunk)
}

// Events returns the ordered inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the cause of a non-clean session end.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Interrupt mutes the remainder of the current model turn.
func (s *session) Interrupt() error {
	if s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}
	s.muted.Store(true)
	return nil
}

// Close ends the session and waits for the background loops. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.queue.Close()
	s.cancel()
	err := s.live.Close()
	s.wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("genai: close", "session_id", s.id, "err", err)
	}
	return nil
}
