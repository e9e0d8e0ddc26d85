package genai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/parley/pkg/audio/pcm"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// fakeLive is an in-memory liveSession.
type fakeLive struct {
	inbox  chan *genai.LiveServerMessage
	errs   chan error
	closed chan struct{}

	mu      sync.Mutex
	sent    []genai.LiveRealtimeInput
	sendErr error
	once    sync.Once
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		inbox:  make(chan *genai.LiveServerMessage, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeLive) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, in)
	return nil
}

func (f *fakeLive) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-f.inbox:
		return m, nil
	case err := <-f.errs:
		return nil, err
	case <-f.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (f *fakeLive) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeLive) Sent() []genai.LiveRealtimeInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]genai.LiveRealtimeInput(nil), f.sent...)
}

func setupComplete() *genai.LiveServerMessage {
	return &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
}

func content(sc *genai.LiveServerContent) *genai.LiveServerMessage {
	return &genai.LiveServerMessage{ServerContent: sc}
}

// newTestProvider returns a provider whose connector yields live and records
// the connect config.
func newTestProvider(live *fakeLive, gotCfg chan<- *genai.LiveConnectConfig) *Provider {
	p := New("key")
	p.connect = func(_ context.Context, _ string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		if gotCfg != nil {
			gotCfg <- cfg
		}
		return live, nil
	}
	return p
}

func nextEvent(t *testing.T, h s2s.SessionHandle) (s2s.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return s2s.Event{}, false
	}
}

func TestConnect_MapsConfigAndWaitsForSetup(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	gotCfg := make(chan *genai.LiveConnectConfig, 1)
	p := newTestProvider(live, gotCfg)
	live.inbox <- setupComplete()

	h, err := p.Connect(context.Background(), s2s.SessionConfig{
		Voice:        "Puck",
		Instructions: "Speak slowly.",
		Transcripts:  true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	cfg := <-gotCfg
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("ResponseModalities = %v", cfg.ResponseModalities)
	}
	if cfg.SpeechConfig == nil || cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Errorf("SpeechConfig = %+v", cfg.SpeechConfig)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "Speak slowly." {
		t.Errorf("SystemInstruction = %+v", cfg.SystemInstruction)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Error("transcription configs missing")
	}
}

func TestConnect_SetupFailure(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.errs <- errors.New("handshake rejected")
	p := newTestProvider(live, nil)

	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
	select {
	case <-live.closed:
	default:
		t.Error("live session not closed after failed setup")
	}
}

func TestConnect_ContextCancelledDuringSetup(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	p := newTestProvider(live, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnect) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrConnect wrapping DeadlineExceeded", err)
	}
}

func TestConnect_ConnectorError(t *testing.T) {
	t.Parallel()

	p := New("key")
	p.connect = func(context.Context, string, *genai.LiveConnectConfig) (liveSession, error) {
		return nil, errors.New("dial refused")
	}
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); !errors.Is(err, s2s.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}

func TestSession_ForwardsAudioAndEvents(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.inbox <- setupComplete()
	h, err := newTestProvider(live, nil).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	if err := h.SendAudio(pcm.WireChunk{Data: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	live.inbox <- content(&genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "what time is it"},
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{9, 0}}},
		}},
	})
	live.inbox <- content(&genai.LiveServerContent{Interrupted: true})
	live.inbox <- content(&genai.LiveServerContent{TurnComplete: true})

	want := []s2s.EventKind{s2s.EventTranscript, s2s.EventAudio, s2s.EventInterrupted, s2s.EventTurnComplete}
	for i, k := range want {
		ev, ok := nextEvent(t, h)
		if !ok {
			t.Fatalf("events closed at %d", i)
		}
		if ev.Kind != k {
			t.Errorf("event %d = %v, want %v", i, ev.Kind, k)
		}
		if k == s2s.EventAudio && ev.Audio.Data[0] != 9 {
			t.Errorf("audio payload = %v", ev.Audio.Data)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(live.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sent := live.Sent()
	if len(sent) != 1 || sent[0].Audio == nil {
		t.Fatalf("sent = %+v, want one audio blob", sent)
	}
	if sent[0].Audio.MIMEType != pcm.CaptureMIMEType {
		t.Errorf("MIME = %q, want %q", sent[0].Audio.MIMEType, pcm.CaptureMIMEType)
	}
}

func TestSession_NormalCloseFrameIsClean(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.inbox <- setupComplete()
	h, err := newTestProvider(live, nil).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	live.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	if _, ok := nextEvent(t, h); ok {
		t.Fatal("expected closed events")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestSession_TransportErrorReported(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.inbox <- setupComplete()
	h, err := newTestProvider(live, nil).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	live.errs <- errors.New("connection reset by peer")
	if _, ok := nextEvent(t, h); ok {
		t.Fatal("expected closed events")
	}
	if h.Err() == nil {
		t.Error("Err() = nil, want transport error")
	}
	if err := h.SendAudio(pcm.WireChunk{Data: []byte{0, 0}}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after failure = %v, want ErrSessionClosed", err)
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.inbox <- setupComplete()
	h, err := newTestProvider(live, nil).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-h.Events(); ok {
		t.Error("Events open after Close")
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v after local Close", h.Err())
	}
}
