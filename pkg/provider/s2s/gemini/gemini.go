// Package gemini speaks the Gemini Live BidiGenerateContent protocol directly
// over a WebSocket and exposes each connection as an [s2s.SessionHandle].
//
// Outbound microphone audio travels as base64 PCM16 media chunks tagged
// "audio/pcm;rate=16000"; inbound model audio arrives as inline data parts at
// 24 kHz. Connect returns only after the server has acknowledged the setup
// message with setupComplete.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/pcm"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultSetupTimeout = 10 * time.Second
	defaultEventBuffer  = 64

	pingEvery   = 20 * time.Second
	pingTimeout = 5 * time.Second

	// readLimit bounds a single inbound frame. Audio parts are a few hundred
	// milliseconds each; the websocket default of 32 KiB is too small.
	readLimit = 8 << 20

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// ─── Options ───

// Option customises a [Provider].
type Option func(*Provider)

// WithModel selects the Live model. Empty keeps the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL replaces the wss:// endpoint prefix, e.g. with a local test server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithQueueDepth sets the outbound audio queue depth per session.
func WithQueueDepth(n int) Option {
	return func(p *Provider) { p.queueDepth = n }
}

// WithSetupTimeout bounds how long Connect waits for setupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ─── Provider ───

// Provider opens Gemini Live sessions with a fixed key and model.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	queueDepth   int
	setupTimeout time.Duration
	httpClient   *http.Client
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		queueDepth:   s2s.DefaultQueueDepth,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities describes the audio formats and voices of the Live API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        audio.CaptureFormat,
		OutputFormat:       audio.PlaybackFormat,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials the Live endpoint, sends the setup message and waits for
// setupComplete. Every failure wraps [s2s.ErrConnect].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	endpoint := p.baseURL + bidiPath + "?key=" + url.QueryEscape(p.apiKey)
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{"Content-Type": {"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", s2s.ErrConnect, err)
	}
	conn.SetReadLimit(readLimit)

	if err := p.handshake(ctx, conn, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", s2s.ErrConnect, err)
	}

	// The session outlives the dial context.
	life, stop := context.WithCancel(context.Background())
	sess := &session{
		id:     cfg.ID,
		conn:   conn,
		queue:  s2s.NewOutboundQueue(p.queueDepth),
		events: make(chan s2s.Event, defaultEventBuffer),
		ctx:    life,
		cancel: stop,
	}
	for _, loop := range []func(){sess.readLoop, sess.writeLoop, sess.pingLoop} {
		sess.wg.Go(loop)
	}

	slog.Debug("gemini: session established", "session_id", cfg.ID, "model", p.model)
	return sess, nil
}

// handshake sends setup and reads until setupComplete or a server error.
func (p *Provider) handshake(ctx context.Context, conn *websocket.Conn, cfg s2s.SessionConfig) error {
	ctx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	data, err := json.Marshal(buildSetup(p.model, cfg))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// ─── Wire types: client to server ───

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// buildSetup renders the BidiGenerateContent setup message for cfg.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcripts {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ─── Wire types: server to client ───

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return fmt.Sprintf("gemini: %s (%d)", msg, e.Code)
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ─── Session ───

type session struct {
	id     string
	conn   *websocket.Conn
	queue  *s2s.OutboundQueue
	events chan s2s.Event

	// muted drops model audio after a local Interrupt until the server ends
	// or interrupts the turn.
	muted atomic.Bool

	mu     sync.Mutex
	err    error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// readLoop turns server frames into events in arrival order. It is the only
// sender on events and closes it on exit.
func (s *session) readLoop() {
	defer close(s.events)
	defer s.cancel()

	for {
		_, frame, err := s.conn.Read(s.ctx)
		switch {
		case err == nil:
		case s.ctx.Err() != nil, websocket.CloseStatus(err) == websocket.StatusNormalClosure:
			// Closed by us or by a normal close frame.
			return
		default:
			s.fail(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "session_id", s.id, "err", err)
			continue
		}

		if msg.Error != nil {
			s.fail(msg.Error)
			return
		}
		if msg.GoAway != nil {
			slog.Warn("gemini: server is closing the session soon", "session_id", s.id, "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil && !s.handleServerContent(msg.ServerContent) {
			return
		}
	}
}

// handleServerContent emits the events carried by one serverContent message.
// It returns false if the session was cancelled while emitting.
func (s *session) handleServerContent(sc *serverContent) bool {
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		if !s.emitTranscript(s2s.SpeakerUser, t.Text) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, pt := range sc.ModelTurn.Parts {
			if pt.InlineData == nil || s.muted.Load() {
				continue
			}
			data, err := pcm.DecodeBase64(pt.InlineData.Data)
			if err != nil {
				slog.Debug("gemini: skipping undecodable audio part", "session_id", s.id, "err", err)
				continue
			}
			if len(data) == 0 {
				continue
			}
			ev := s2s.Event{
				Kind:  s2s.EventAudio,
				Audio: pcm.WireChunk{MIMEType: pt.InlineData.MIMEType, Data: data},
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

// emit blocks until the consumer takes ev or the session is cancelled.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop moves queued chunks onto the socket, one realtimeInput message
// per chunk. A write failure ends the whole session.
func (s *session) writeLoop() {
	for chunk := range s.queue.C() {
		frame, err := json.Marshal(realtimeInputMessage{RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: chunk.MIMEType, Data: pcm.EncodeBase64(chunk.Data)}},
		}})
		if err == nil {
			err = s.conn.Write(s.ctx, websocket.MessageText, frame)
		}
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("gemini: write audio: %w", err))
				s.cancel()
			}
			return
		}
	}
}

// pingLoop pings the server so idle sessions are not reaped.
func (s *session) pingLoop() {
	t := time.NewTicker(pingEvery)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(s.ctx, pingTimeout)
		if err := s.conn.Ping(ctx); err != nil {
			slog.Debug("gemini: ping failed", "session_id", s.id, "err", err)
		}
		cancel()
	}
}

// fail records the first terminal error.
func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// ─── s2s.SessionHandle ───

// SendAudio queues an outbound PCM16 chunk. Chunks without a MIME type are
// tagged with the capture format.
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

// Err reports why the session failed, or nil after a clean close.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Interrupt mutes the remainder of the current model turn. The Live protocol
// has no explicit cancel message; the server stops generating on its own when
// it detects user speech, and the mute prevents stale audio from reaching the
// caller in between.
func (s *session) Interrupt() error {
	if s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}
	s.muted.Store(true)
	return nil
}

// Close sends a normal close frame and waits for the session goroutines.
// Later calls return nil immediately.
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
	err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.wg.Wait()

	if dropped := s.queue.Dropped(); dropped > 0 {
		slog.Debug("gemini: outbound chunks dropped", "session_id", s.id, "count", dropped)
	}
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		slog.Debug("gemini: close handshake", "session_id", s.id, "err", err)
	}
	return nil
}
