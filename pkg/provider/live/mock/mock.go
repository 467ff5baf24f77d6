// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable transports.
// Use Transport to push remote events with Emit and inspect which frames were
// sent.
//
// Example:
//
//	p := &mock.Provider{}
//	tr, _ := p.Connect(ctx, cfg)
//	p.Transport(0).Emit(live.Event{Kind: live.EventOpened})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var (
	_ live.Provider  = (*Provider)(nil)
	_ live.Transport = (*Transport)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider. Each successful Connect
// creates a fresh Transport.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the
	// context ends. Use it to hold a session in Connecting.
	Block chan struct{}

	// SendErr is copied to every new transport's SendErr.
	SendErr error

	// CloseErr is copied to every new transport's CloseErr.
	CloseErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	transports []*Transport
}

// Connect records the call and returns a new Transport or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Transport, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	t := NewTransport()
	t.SendErr = p.SendErr
	t.CloseErr = p.CloseErr
	p.transports = append(p.transports, t)
	return t, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns how many times Connect was called.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Transport returns the i-th transport created, or nil.
func (p *Provider) Transport(i int) *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.transports) {
		return nil
	}
	return p.transports[i]
}

// TransportCount returns how many transports were created.
func (p *Provider) TransportCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// Transport is a mock implementation of live.Transport.
type Transport struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned from Send.
	SendErr error

	// CloseErr is returned from every Close call.
	CloseErr error

	sent       []audio.AudioFrame
	closeCount int
	ended      bool

	events chan live.Event
	sentCh chan struct{}
}

// NewTransport returns an open Transport with a buffered event channel.
func NewTransport() *Transport {
	return &Transport{
		events: make(chan live.Event, 256),
		sentCh: make(chan struct{}, 1),
	}
}

// Send records frame.
func (t *Transport) Send(ctx context.Context, frame audio.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	if t.closeCount > 0 {
		return live.ErrClosed
	}
	frame.Data = slices.Clone(frame.Data)
	t.sent = append(t.sent, frame)
	select {
	case t.sentCh <- struct{}{}:
	default:
	}
	return nil
}

// Events returns the event channel fed by Emit.
func (t *Transport) Events() <-chan live.Event { return t.events }

// Emit delivers ev to the consumer. EventClosed and EventError end the
// stream and close the channel, as a real transport does. Emit after the
// stream ended is a no-op.
func (t *Transport) Emit(ev live.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.events <- ev
	if ev.Kind == live.EventClosed || ev.Kind == live.EventError {
		t.ended = true
		close(t.events)
	}
}

// Close records the call and ends the event stream.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCount++
	if !t.ended {
		t.ended = true
		close(t.events)
	}
	return t.CloseErr
}

// Sent returns a copy of every frame passed to Send, in order.
func (t *Transport) Sent() []audio.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.sent)
}

// SentSignal receives a value after each successful Send (coalesced).
func (t *Transport) SentSignal() <-chan struct{} { return t.sentCh }

// CloseCount returns how many times Close was called.
func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}
