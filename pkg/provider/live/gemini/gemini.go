// Package gemini implements live.Provider for Google's Gemini Live API.
//
// It opens a bidirectional WebSocket to the BidiGenerateContent endpoint and
// exchanges JSON messages. Microphone audio goes out as base64 PCM in
// realtimeInput media chunks; synthesised speech comes back as inlineData
// parts of the model turn and is surfaced untouched as live.AudioChunk events.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// Compile-time assertions that Provider and transport satisfy the live
// interfaces.
var (
	_ live.Provider  = (*Provider)(nil)
	_ live.Transport = (*transport)(nil)
)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default Gemini model, used when SessionConfig.Model is
// empty.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for the Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputFormat:       audio.Mono16k,
		OutputFormat:      audio.Mono24k,
		Voices:            []string{"Kore", "Aoede", "Charon", "Fenrir", "Puck"},
		MaxSessionSeconds: 15 * 60,
	}
}

// Connect dials Gemini Live and sends the setup message. The returned
// transport reports the server's setupComplete as live.EventOpened.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Transport, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Audio chunks are large base64 payloads.
	conn.SetReadLimit(16 << 20)

	tctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    tctx,
		cancel: cancel,
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	voice, ok := p.Capabilities().Voice(cfg.Voice)
	if !ok {
		slog.Warn("gemini: unknown voice, using default", "voice", cfg.Voice, "default", voice)
	}
	if err := t.sendSetup(ctx, model, voice, cfg.Instructions); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go t.receiveLoop()
	go t.keepaliveLoop()

	return t, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
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

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// ── transport ──────────────────────────────────────────────────────────────────

type transport struct {
	conn   *websocket.Conn
	events chan live.Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the one-time BidiGenerateContent setup message.
func (t *transport) sendSetup(ctx context.Context, model, voice, instructions string) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: modelResource(model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: instructions}},
		}
	}
	return t.writeJSON(ctx, msg)
}

// modelResource returns model as a "models/..." resource name.
func modelResource(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (t *transport) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it when it exits.
func (t *transport) receiveLoop() {
	defer close(t.events)

	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.emitTerminal(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed server message", "err", err)
			continue
		}

		if !t.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage emits the events for one message. It returns false when
// the stream has ended.
func (t *transport) handleServerMessage(msg *serverMessage) bool {
	if msg.SetupComplete != nil {
		if !t.emit(live.Event{Kind: live.EventOpened}) {
			return false
		}
	}
	if sc := msg.ServerContent; sc != nil {
		// Interrupted precedes any audio in the same message so stale chunks
		// are never scheduled after the flush.
		if sc.Interrupted {
			if !t.emit(live.Event{Kind: live.EventInterrupted}) {
				return false
			}
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				ev := live.Event{
					Kind:  live.EventAudioChunk,
					Chunk: live.AudioChunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType},
				}
				if !t.emit(ev) {
					return false
				}
			}
		}
		if sc.TurnComplete {
			if !t.emit(live.Event{Kind: live.EventTurnComplete}) {
				return false
			}
		}
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		t.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: %s", text)})
		return false
	}
	if msg.GoAway != nil {
		t.emit(live.Event{Kind: live.EventClosed})
		return false
	}
	return true
}

// emitTerminal converts a read error into the final event of the stream.
func (t *transport) emitTerminal(err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		t.emit(live.Event{Kind: live.EventClosed})
	default:
		t.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: read: %w", err)})
	}
}

// emit delivers ev unless the transport is closed locally first.
func (t *transport) emit(ev live.Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (t *transport) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(t.ctx, keepaliveTimeout)
			_ = t.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Transport methods ──────────────────────────────────────────────────────────

// Send delivers one PCM16 frame as a realtimeInput media chunk.
func (t *transport) Send(ctx context.Context, frame audio.AudioFrame) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return live.ErrClosed
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: live.PCMMIMEType(frame.SampleRate),
				Data:     base64.StdEncoding.EncodeToString(frame.Data),
			}},
		},
	}
	if err := t.writeJSON(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Events returns the ordered event stream.
func (t *transport) Events() <-chan live.Event { return t.events }

// Close terminates the connection. Idempotent.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	close(t.done)
	t.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
