package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/pcm"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/gemini"
)

// ─── Helpers ───

// endpoint rewrites the test server's http:// URL to ws://.
func endpoint(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// fakeLive serves one scripted Live endpoint per connection until the test ends.
func fakeLive(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		conn.SetReadLimit(8 << 20)
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON decodes the next client frame into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Logf("readJSON: %v", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
		return false
	}
	return true
}

// writeJSON sends v to the client, tolerating a client that already left.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("server write: %v", err)
	}
}

// acceptSetup reads the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// holdOpen blocks until the client closes the connection.
func holdOpen(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func audioPart(data []byte) map[string]any {
	return map[string]any{
		"inlineData": map[string]any{
			"mimeType": "audio/pcm;rate=24000",
			"data":     base64.StdEncoding.EncodeToString(data),
		},
	}
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig, opts ...gemini.Option) s2s.SessionHandle {
	t.Helper()
	opts = append([]gemini.Option{gemini.WithBaseURL(endpoint(srv))}, opts...)
	p := gemini.New("test-api-key", opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// nextEvent waits for one event or fails the test.
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

// ─── Provider ───

func TestCapabilities_Formats(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputFormat != audio.CaptureFormat {
		t.Errorf("InputFormat = %v, want %v", caps.InputFormat, audio.CaptureFormat)
	}
	if caps.OutputFormat != audio.PlaybackFormat {
		t.Errorf("OutputFormat = %v, want %v", caps.OutputFormat, audio.PlaybackFormat)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := fakeLive(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		holdOpen(conn)
	})

	connect(t, srv, s2s.SessionConfig{
		Voice:        "Kore",
		Instructions: "Be brief.",
		Transcripts:  true,
	}, gemini.WithModel("custom-model"))

	msg := <-received
	if msg.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v", got)
	}
	if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("speechConfig = %+v", sc)
	}
	if si := msg.Setup.SystemInstruction; si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "Be brief." {
		t.Errorf("systemInstruction = %+v", si)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription configs missing")
	}
	if key := <-keyCh; key != "test-api-key" {
		t.Errorf("key = %q", key)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		holdOpen(conn)
	})

	p := gemini.New("key", gemini.WithBaseURL(endpoint(srv)))
	type connectResult struct {
		h   s2s.SessionHandle
		err error
	}
	result := make(chan connectResult, 1)
	go func() {
		h, err := p.Connect(context.Background(), s2s.SessionConfig{})
		result <- connectResult{h, err}
	}()

	select {
	case <-result:
		t.Fatal("Connect returned before setupComplete")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	r := <-result
	if r.err != nil {
		t.Fatalf("Connect: %v", r.err)
	}
	_ = r.h.Close()
}

func TestConnect_ServerErrorDuringSetup(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "bad key", "status": "PERMISSION_DENIED"}})
		holdOpen(conn)
	})

	p := gemini.New("key", gemini.WithBaseURL(endpoint(srv)))
	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
	if !strings.Contains(err.Error(), "bad key") {
		t.Errorf("err = %v, want server message", err)
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})

	p := gemini.New("key", gemini.WithBaseURL(endpoint(srv)), gemini.WithSetupTimeout(100*time.Millisecond))
	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := p.Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gemini.New("key", gemini.WithBaseURL(endpoint(srv))).Connect(ctx, s2s.SessionConfig{})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ─── Outbound ───

func TestSendAudio_EncodesMediaChunk(t *testing.T) {
	t.Parallel()

	type rtMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	got := make(chan rtMsg, 1)
	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg rtMsg
		if readJSON(t, conn, &msg) {
			got <- msg
		}
		holdOpen(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	chunk := pcm.Encode(make([]float32, audio.CaptureFrameSize))
	if err := h.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		if len(msg.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("mediaChunks = %d", len(msg.RealtimeInput.MediaChunks))
		}
		mc := msg.RealtimeInput.MediaChunks[0]
		if mc.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", mc.MIMEType)
		}
		data, err := base64.StdEncoding.DecodeString(mc.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(data) != 8192 {
			t.Errorf("payload = %d bytes, want 8192", len(data))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		holdOpen(conn)
	})
	h := connect(t, srv, s2s.SessionConfig{})
	_ = h.Close()

	if err := h.SendAudio(pcm.Encode([]float32{0})); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := h.Interrupt(); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("Interrupt after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSendAudio_ConcurrentDoesNotRace(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	h := connect(t, srv, s2s.SessionConfig{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				_ = h.SendAudio(pcm.Encode(make([]float32, 160)))
			}
		}()
	}
	wg.Wait()
}

// ─── Inbound ───

func TestEvents_PreserveServerOrder(t *testing.T) {
	t.Parallel()

	a1 := pcm.SamplesToPCM16([]float32{0.1, 0.2})
	a2 := pcm.SamplesToPCM16([]float32{0.3})
	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "hello"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{audioPart(a1), audioPart(a2)}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "hi there"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		holdOpen(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{Transcripts: true})

	want := []s2s.EventKind{
		s2s.EventTranscript, s2s.EventAudio, s2s.EventAudio,
		s2s.EventTranscript, s2s.EventInterrupted, s2s.EventTurnComplete,
	}
	var got []s2s.Event
	for range want {
		ev, ok := nextEvent(t, h)
		if !ok {
			t.Fatal("events closed early")
		}
		got = append(got, ev)
	}
	for i, ev := range got {
		if ev.Kind != want[i] {
			t.Errorf("event %d kind = %v, want %v", i, ev.Kind, want[i])
		}
	}
	if got[0].Transcript.Speaker != s2s.SpeakerUser || got[0].Transcript.Text != "hello" {
		t.Errorf("input transcript = %+v", got[0].Transcript)
	}
	if string(got[1].Audio.Data) != string(a1) || string(got[2].Audio.Data) != string(a2) {
		t.Error("audio payloads out of order or altered")
	}
	if got[1].Audio.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("audio MIME = %q", got[1].Audio.MIMEType)
	}
	if got[3].Transcript.Speaker != s2s.SpeakerModel {
		t.Errorf("output transcript speaker = %q", got[3].Transcript.Speaker)
	}
}

func TestEvents_MalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		holdOpen(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	ev, ok := nextEvent(t, h)
	if !ok || ev.Kind != s2s.EventTurnComplete {
		t.Errorf("event = %v (ok=%v), want turn_complete", ev.Kind, ok)
	}
}

func TestInterrupt_MutesUntilTurnEnds(t *testing.T) {
	t.Parallel()

	step := make(chan struct{})
	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-step
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{audioPart([]byte{1, 0})}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{audioPart([]byte{2, 0})}},
		}})
		holdOpen(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	if err := h.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	close(step)

	ev, _ := nextEvent(t, h)
	if ev.Kind != s2s.EventTurnComplete {
		t.Fatalf("first event = %v, want turn_complete (muted audio)", ev.Kind)
	}
	ev, _ = nextEvent(t, h)
	if ev.Kind != s2s.EventAudio || ev.Audio.Data[0] != 2 {
		t.Fatalf("event after turn = %v %v, want next turn audio", ev.Kind, ev.Audio.Data)
	}
}

// ─── Termination ───

func TestServerNormalClose_CleanEnd(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	h := connect(t, srv, s2s.SessionConfig{})
	if _, ok := nextEvent(t, h); ok {
		t.Fatal("expected closed event channel")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v, want nil for normal closure", err)
	}
}

func TestServerAbnormalClose_ReportsError(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	h := connect(t, srv, s2s.SessionConfig{})
	if _, ok := nextEvent(t, h); ok {
		t.Fatal("expected closed event channel")
	}
	if h.Err() == nil {
		t.Error("Err() = nil, want transport error")
	}
}

func TestServerErrorMessage_EndsSession(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		holdOpen(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	if _, ok := nextEvent(t, h); ok {
		t.Fatal("expected closed event channel")
	}
	if err := h.Err(); err == nil || !strings.Contains(err.Error(), "internal") {
		t.Errorf("Err() = %v", err)
	}
}

func TestClose_IdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := fakeLive(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		holdOpen(conn)
	})
	h := connect(t, srv, s2s.SessionConfig{})

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-h.Events(); ok {
		t.Error("Events still open after Close")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v after local Close, want nil", err)
	}
}
