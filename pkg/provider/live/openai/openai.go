// Package openai implements live.Provider for OpenAI's Realtime API.
//
// It opens a bidirectional WebSocket to the Realtime endpoint, configures the
// session with a session.update event and then streams microphone audio with
// input_audio_buffer.append. Server-side voice activity detection drives
// turns: speech_started becomes live.EventInterrupted so the caller can flush
// playback on barge-in.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

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
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	eventBuffer = 64
)

// pcm16Format is the only PCM layout the Realtime API accepts and produces.
var pcm16Format = audio.Mono24k

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model, used when SessionConfig.Model is empty.
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

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates an OpenAI Realtime Provider with the given API key and options.
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

// Capabilities returns static metadata about the Realtime provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputFormat:       pcm16Format,
		OutputFormat:      pcm16Format,
		Voices:            []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
		MaxSessionSeconds: 30 * 60,
	}
}

// Connect dials the Realtime endpoint and sends session.update. The server's
// session.created event is reported as live.EventOpened.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Transport, error) {
	if f := cfg.InputFormat; f.Valid() && f.Channels > 2 {
		return nil, fmt.Errorf("openai: input format %s not supported", f)
	}
	voice, ok := p.Capabilities().Voice(cfg.Voice)
	if !ok {
		slog.Warn("openai: unknown voice, using default", "voice", cfg.Voice, "default", voice)
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	tctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		conv:   audio.Converter{Target: pcm16Format},
		ctx:    tctx,
		cancel: cancel,
	}

	if err := t.sendSessionUpdate(ctx, voice, cfg.Instructions); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go t.receiveLoop()

	return t, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type  string             `json:"type"`
	Delta string             `json:"delta,omitempty"`
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── transport ──────────────────────────────────────────────────────────────────

type transport struct {
	conn   *websocket.Conn
	events chan live.Event

	// conv adapts frames to pcm16Format. Only Send touches it.
	conv audio.Converter

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate configures audio-only output, pcm16 in both directions,
// server VAD, voice and instructions.
func (t *transport) sendSessionUpdate(ctx context.Context, voice, instructions string) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             voice,
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	return t.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (t *transport) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads server events and turns them into live events. It owns
// the events channel and closes it when it exits.
func (t *transport) receiveLoop() {
	defer close(t.events)

	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				t.emit(live.Event{Kind: live.EventClosed})
			default:
				t.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("openai: read: %w", err)})
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed server event", "err", err)
			continue
		}

		if !t.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent emits the live event for evt, if any. It returns false
// when the stream has ended.
func (t *transport) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created":
		return t.emit(live.Event{Kind: live.EventOpened})

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return t.emit(live.Event{
			Kind:  live.EventAudioChunk,
			Chunk: live.AudioChunk{Data: evt.Delta, MIMEType: live.PCMMIMEType(pcm16Format.SampleRate)},
		})

	case "input_audio_buffer.speech_started":
		return t.emit(live.Event{Kind: live.EventInterrupted})

	case "response.done":
		return t.emit(live.Event{Kind: live.EventTurnComplete})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		t.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("openai: %s", msg)})
		return false
	}
	return true
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

// ── Transport methods ──────────────────────────────────────────────────────────

// Send appends one PCM16 frame to the server's input audio buffer, resampled
// to 24 kHz mono when the capture format differs.
func (t *transport) Send(ctx context.Context, frame audio.AudioFrame) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return live.ErrClosed
	}
	frame, ok := t.conv.Convert(frame)
	if !ok {
		// Misaligned PCM; the converter has logged it.
		return nil
	}

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	}
	if err := t.writeJSON(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("openai: send audio: %w", err)
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
	t.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
