// Package session coordinates one duplex voice session at a time: it
// acquires the output device, the microphone and the remote transport,
// drives the session state machine, forwards captured audio outward and
// dispatches remote events to playback, and guarantees that every acquired
// resource is released exactly once.
//
// Each session carries a generation token. Every asynchronous completion
// (remote acknowledgement, decoded chunk, captured frame, device fault)
// compares its generation with the current one before touching state, so
// late callbacks from a torn-down session are silently ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livevoice/internal/capture"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/playback"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// defaultReleaseWait bounds how long teardown waits for the capture reader
// to exit after the microphone stream is closed.
const defaultReleaseWait = 2 * time.Second

// idleDone is returned by Stop when there is nothing to stop.
var idleDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Config holds the dependencies and tunables of a [Coordinator].
type Config struct {
	// Provider opens the remote transport. Required.
	Provider live.Provider

	// Microphone opens the capture stream. Required.
	Microphone audio.Microphone

	// Output opens the playback context. Required.
	Output audio.OutputDevice

	// Session is the configuration used for the next session. Zero formats
	// default to 16 kHz mono input and 24 kHz mono output.
	Session live.SessionConfig

	// ChunkSamples is the number of samples per captured frame. Zero means
	// [capture.DefaultChunkSamples].
	ChunkSamples int

	// FrameBuffer is the capture channel capacity. Zero means
	// [capture.DefaultBuffer].
	FrameBuffer int

	// ConnectTimeout bounds dial plus handshake. Zero means no timeout; Stop
	// still cancels a pending handshake.
	ConnectTimeout time.Duration

	// ReleaseWait bounds how long teardown waits for the capture reader.
	// Zero means 2s.
	ReleaseWait time.Duration

	// Metrics is the metrics sink. Nil means [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	State         State     `json:"state"`
	Active        bool      `json:"active"`
	Speaking      bool      `json:"speaking"`
	Error         string    `json:"error,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Generation    uint64    `json:"generation"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	Model         string    `json:"model,omitempty"`
	Voice         string    `json:"voice,omitempty"`
	Handles       []string  `json:"handles,omitempty"`
	PendingChunks int       `json:"pending_chunks"`
	CursorSeconds float64   `json:"cursor_seconds"`
	FramesSent    uint64    `json:"frames_sent"`
}

// session is the state owned by one generation.
type session struct {
	id        string
	gen       uint64
	cfg       live.SessionConfig
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	res    *resources

	// scheduler is written under Coordinator.mu during Connecting.
	scheduler *playback.Scheduler
	decoder   playback.Decoder
	pipeline  *capture.Pipeline
	transport live.Transport

	opened   chan struct{}
	openOnce sync.Once

	stopOnce sync.Once
	cause    error
	torn     chan struct{}
	wg       sync.WaitGroup

	framesSent atomic.Uint64
}

// Coordinator owns the session state machine. All methods are safe for
// concurrent use.
type Coordinator struct {
	provider       live.Provider
	mic            audio.Microphone
	out            audio.OutputDevice
	chunkSamples   int
	frameBuffer    int
	connectTimeout time.Duration
	releaseWait    time.Duration
	metrics        *observe.Metrics

	mu         sync.Mutex
	state      State
	generation uint64
	cur        *session
	lastErr    string
	next       live.SessionConfig
	observers  []func(Transition)
	queue      []Transition

	notifyMu sync.Mutex
}

// NewCoordinator returns an idle coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		provider:       cfg.Provider,
		mic:            cfg.Microphone,
		out:            cfg.Output,
		chunkSamples:   cfg.ChunkSamples,
		frameBuffer:    cfg.FrameBuffer,
		connectTimeout: cfg.ConnectTimeout,
		releaseWait:    cfg.ReleaseWait,
		metrics:        cfg.Metrics,
		next:           withDefaults(cfg.Session),
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.releaseWait <= 0 {
		c.releaseWait = defaultReleaseWait
	}
	return c
}

func withDefaults(cfg live.SessionConfig) live.SessionConfig {
	if !cfg.InputFormat.Valid() {
		cfg.InputFormat = audio.Mono16k
	}
	if !cfg.OutputFormat.Valid() {
		cfg.OutputFormat = audio.Mono24k
	}
	return cfg
}

// ── Configuration ─────────────────────────────────────────────────────────────

// SetSessionConfig replaces the configuration used by the next Start. A
// session that is already connecting or active keeps the configuration it
// started with.
func (c *Coordinator) SetSessionConfig(cfg live.SessionConfig) {
	c.mu.Lock()
	c.next = withDefaults(cfg)
	c.mu.Unlock()
}

// SessionConfig returns the configuration the next Start will use.
func (c *Coordinator) SessionConfig() live.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// OnStateChange registers fn to receive every state transition in order.
// fn is called without internal locks held and may call any Coordinator
// method.
func (c *Coordinator) OnStateChange(fn func(Transition)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// ── Start ─────────────────────────────────────────────────────────────────────

// Start opens a new session and returns once the remote side acknowledged
// it. It is a no-op returning nil while the coordinator is not Idle.
//
// Resources are acquired in the order output, microphone, transport. On
// failure everything acquired so far is released and the state returns to
// Idle with LastError set. Start returns a [*PermissionError] when the
// microphone is refused, a [*TransportError] when the connection or
// handshake fails, [ErrStopped] when Stop ran first, and ctx.Err() when ctx
// ends first (which also stops the session).
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		state := c.state
		c.mu.Unlock()
		slog.Debug("session: start ignored", "state", state.String())
		return nil
	}
	c.generation++
	s := c.newSession(c.generation, c.next)
	c.cur = s
	c.lastErr = ""
	c.setStateLocked(s, Connecting, nil)
	c.mu.Unlock()
	c.flush()

	slog.Info("session: connecting",
		"session_id", s.id,
		"generation", s.gen,
		"model", s.cfg.Model,
		"voice", s.cfg.Voice,
	)

	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.Int64("session.generation", int64(s.gen)),
		),
	)
	err := c.open(ctx, s)
	observe.EndSpan(span, err)
	c.metrics.RecordSessionStart(ctx, startResult(err))
	return err
}

func (c *Coordinator) newSession(gen uint64, cfg live.SessionConfig) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &session{
		id:        id,
		gen:       gen,
		cfg:       cfg,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		res:       &resources{sessionID: id, metrics: c.metrics},
		opened:    make(chan struct{}),
		torn:      make(chan struct{}),
	}
}

func startResult(err error) string {
	var (
		perm *PermissionError
		tr   *TransportError
	)
	switch {
	case err == nil:
		return observe.StartOK
	case errors.As(err, &perm):
		return observe.StartPermission
	case errors.As(err, &tr):
		return observe.StartTransport
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observe.StartCancelled
	default:
		return observe.StartDevice
	}
}

// open acquires every resource of s and waits for the remote acknowledgement.
func (c *Coordinator) open(ctx context.Context, s *session) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(s.ctx, cancel)
	defer stopAfter()

	// 1. Output context.
	out, err := c.out.Open(actx, s.cfg.OutputFormat)
	if err != nil {
		return c.abort(ctx, s, fmt.Errorf("session: open output: %w", err))
	}
	sched := playback.New(out, playback.WithMetrics(c.metrics))
	if !s.res.hold(ResourceOutput, func() error {
		sched.Close()
		return out.Close()
	}) {
		return c.abort(ctx, s, nil)
	}
	c.mu.Lock()
	s.scheduler = sched
	c.mu.Unlock()
	s.decoder = playback.Decoder{Output: out.Format(), SourceRate: s.cfg.OutputFormat.SampleRate}

	// 2. Microphone stream.
	stream, err := c.mic.Open(actx, s.cfg.InputFormat)
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			err = &PermissionError{Err: err}
		} else {
			err = fmt.Errorf("session: open microphone: %w", err)
		}
		return c.abort(ctx, s, err)
	}
	p := capture.New(stream, s.gen,
		capture.WithWireFormat(s.cfg.InputFormat),
		capture.WithChunkSamples(c.chunkSamples),
		capture.WithBuffer(c.frameBuffer),
		capture.WithGate(c.admit),
		capture.WithFaultHandler(func(gen uint64, err error) {
			if c.current(s) && gen == s.gen {
				c.shutdown(s, fmt.Errorf("session: %w", err))
			}
		}),
		capture.WithMetrics(c.metrics),
	)
	if !s.res.hold(ResourceMicrophone, func() error {
		p.Stop()
		err := stream.Close()
		c.awaitPipeline(s, p)
		return err
	}) {
		return c.abort(ctx, s, nil)
	}
	s.pipeline = p
	p.Start()

	// 3. Transport.
	cctx := actx
	if c.connectTimeout > 0 {
		var cancelTimeout context.CancelFunc
		cctx, cancelTimeout = context.WithTimeout(actx, c.connectTimeout)
		defer cancelTimeout()
	}
	tr, err := c.provider.Connect(cctx, s.cfg)
	if err != nil {
		if s.ctx.Err() == nil && ctx.Err() == nil {
			c.metrics.TransportErrors.Add(ctx, 1)
		}
		return c.abort(ctx, s, &TransportError{Op: "connect", Err: err})
	}
	if !s.res.hold(ResourceTransport, tr.Close) {
		return c.abort(ctx, s, nil)
	}
	s.transport = tr
	if !s.res.spawn(&s.wg, func() { c.dispatch(s, tr.Events()) }) {
		return c.abort(ctx, s, nil)
	}

	select {
	case <-s.opened:
		return nil
	case <-cctx.Done():
	}
	select {
	case <-s.opened:
		return nil
	default:
	}
	return c.abort(ctx, s, &TransportError{Op: "handshake", Err: cctx.Err()})
}

// abort ends a session that failed to open and returns the error Start
// reports.
func (c *Coordinator) abort(ctx context.Context, s *session, err error) error {
	if s.ctx.Err() != nil {
		// Teardown already began elsewhere; report its cause.
		<-s.torn
		if s.cause != nil {
			return s.cause
		}
		return ErrStopped
	}
	if ctx.Err() != nil {
		<-c.shutdown(s, nil)
		return ctx.Err()
	}
	slog.Warn("session: start failed", "session_id", s.id, "generation", s.gen, "err", err)
	<-c.shutdown(s, err)
	return err
}

func (c *Coordinator) awaitPipeline(s *session, p *capture.Pipeline) {
	select {
	case <-p.Done():
	case <-time.After(c.releaseWait):
		slog.Warn("session: capture reader did not exit", "session_id", s.id, "wait", c.releaseWait)
	}
}

// ── Stop / teardown ───────────────────────────────────────────────────────────

// Stop tears down the current session from any state. It never blocks and
// never fails; the returned channel is closed once every resource is
// released and the state is Idle. Repeated and concurrent calls return the
// same channel.
func (c *Coordinator) Stop() <-chan struct{} {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return idleDone
	}
	return c.shutdown(s, nil)
}

// Shutdown stops the current session and waits for teardown or ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	select {
	case <-c.Stop():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown starts the teardown of s exactly once. A non-nil cause moves the
// session to Errored and becomes LastError; nil is an orderly close.
func (c *Coordinator) shutdown(s *session, cause error) <-chan struct{} {
	s.stopOnce.Do(func() {
		s.cause = cause

		c.mu.Lock()
		wasActive := c.cur == s && c.state == Active
		if c.cur == s {
			if cause != nil {
				c.lastErr = cause.Error()
				c.setStateLocked(s, Errored, cause)
			} else {
				c.setStateLocked(s, Closing, nil)
			}
		}
		c.mu.Unlock()

		s.cancel()
		go c.teardown(s, wasActive)
	})
	// Deliver outside the Once so observers may call Stop.
	c.flush()
	return s.torn
}

// teardown releases every resource of s in reverse acquisition order, waits
// for the session goroutines and settles the state at Idle.
func (c *Coordinator) teardown(s *session, wasActive bool) {
	start := time.Now()
	ctx, span := observe.StartSpan(context.Background(), "session.teardown",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.Int64("session.generation", int64(s.gen)),
		),
	)

	failed := s.res.releaseAll()
	s.wg.Wait()

	c.metrics.TeardownDuration.Record(ctx, time.Since(start).Seconds())
	if wasActive {
		c.metrics.ActiveSessions.Add(ctx, -1)
	}

	c.mu.Lock()
	if c.cur == s {
		c.setStateLocked(s, Closed, nil)
		c.setStateLocked(s, Idle, nil)
		c.cur = nil
	}
	c.mu.Unlock()
	c.flush()

	span.SetAttributes(attribute.Int("teardown.failed_releases", failed))
	observe.EndSpan(span, s.cause)
	slog.Info("session: stopped",
		"session_id", s.id,
		"generation", s.gen,
		"failed_releases", failed,
		"frames_sent", s.framesSent.Load(),
		"duration", time.Since(start),
	)
	close(s.torn)
}

// ── Session goroutines ────────────────────────────────────────────────────────

// dispatch consumes remote events strictly in order until the session ends.
func (c *Coordinator) dispatch(s *session, events <-chan live.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if s.ctx.Err() == nil {
					c.shutdown(s, c.closedCause(s))
				}
				return
			}
			if !c.handle(s, ev) {
				return
			}
		}
	}
}

// handle applies one remote event. It returns false when the event ended the
// session.
func (c *Coordinator) handle(s *session, ev live.Event) bool {
	switch ev.Kind {
	case live.EventOpened:
		c.activate(s)

	case live.EventAudioChunk:
		c.play(s, ev.Chunk)

	case live.EventInterrupted:
		if c.isActive(s) {
			n := s.scheduler.Interrupt()
			slog.Debug("session: barge-in", "session_id", s.id, "stopped_chunks", n)
		}

	case live.EventTurnComplete:
		slog.Debug("session: turn complete", "session_id", s.id)

	case live.EventClosed:
		c.shutdown(s, c.closedCause(s))
		return false

	case live.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("remote error")
		}
		c.metrics.TransportErrors.Add(s.ctx, 1)
		c.shutdown(s, &TransportError{Op: "remote", Err: err})
		return false

	default:
		slog.Debug("session: ignoring event", "session_id", s.id, "kind", ev.Kind.String())
	}
	return true
}

// closedCause is the teardown cause of a remote close: an error before the
// session was acknowledged, an orderly close afterwards.
func (c *Coordinator) closedCause(s *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == s && c.state == Connecting {
		return &TransportError{Op: "handshake", Err: ErrRemoteClosed}
	}
	return nil
}

// activate moves s from Connecting to Active and starts forwarding audio.
func (c *Coordinator) activate(s *session) {
	c.mu.Lock()
	if c.cur != s || c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(s, Active, nil)
	sched := s.scheduler
	c.mu.Unlock()
	c.flush()

	sched.Reset()
	c.metrics.ActiveSessions.Add(s.ctx, 1)
	c.metrics.HandshakeDuration.Record(s.ctx, time.Since(s.startedAt).Seconds())
	slog.Info("session: active", "session_id", s.id, "generation", s.gen)

	s.wg.Add(1)
	go c.send(s)
	s.openOnce.Do(func() { close(s.opened) })
}

// play decodes chunk and schedules it, re-checking the generation after the
// decode.
func (c *Coordinator) play(s *session, chunk live.AudioChunk) {
	if !c.isActive(s) {
		return
	}
	buf, err := s.decoder.Decode(chunk)
	if err != nil {
		c.metrics.DecodeErrors.Add(s.ctx, 1)
		slog.Warn("session: dropping undecodable chunk", "session_id", s.id, "err", err)
		return
	}
	if !c.isActive(s) {
		return
	}
	if _, err := s.scheduler.Schedule(buf); err != nil && !errors.Is(err, playback.ErrClosed) {
		slog.Warn("session: schedule failed", "session_id", s.id, "err", err)
	}
}

// send forwards admitted frames to the transport in capture order.
func (c *Coordinator) send(s *session) {
	defer s.wg.Done()
	frames := s.pipeline.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if !c.admit(s.gen) {
				c.metrics.RecordFrameDropped(s.ctx, observe.DropInactive)
				continue
			}
			if err := s.transport.Send(s.ctx, f); err != nil {
				if s.ctx.Err() != nil || errors.Is(err, live.ErrClosed) {
					return
				}
				c.metrics.TransportErrors.Add(s.ctx, 1)
				c.shutdown(s, &TransportError{Op: "send", Err: err})
				return
			}
			s.framesSent.Add(1)
			c.metrics.FramesSent.Add(s.ctx, 1)
		}
	}
}

// ── Generation checks ─────────────────────────────────────────────────────────

// admit reports whether frames captured for gen may be sent.
func (c *Coordinator) admit(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Active && c.cur != nil && c.cur.gen == gen
}

func (c *Coordinator) isActive(s *session) bool {
	return c.admit(s.gen)
}

func (c *Coordinator) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur == s && c.generation == s.gen
}

// ── State changes ─────────────────────────────────────────────────────────────

// setStateLocked validates and applies a transition and queues it for the
// observers. c.mu must be held.
func (c *Coordinator) setStateLocked(s *session, to State, err error) bool {
	from := c.state
	if !CanTransition(from, to) {
		slog.Warn("session: refusing invalid transition",
			"session_id", s.id,
			"from", from.String(),
			"to", to.String(),
		)
		return false
	}
	c.state = to
	c.queue = append(c.queue, Transition{
		From:       from,
		To:         to,
		SessionID:  s.id,
		Generation: s.gen,
		Err:        err,
		At:         time.Now(),
	})
	return true
}

// flush delivers queued transitions to the observers in order. Only one
// goroutine delivers at a time; a caller that finds delivery in progress
// leaves its transitions to that goroutine.
func (c *Coordinator) flush() {
	for {
		if !c.notifyMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			q := c.queue
			c.queue = nil
			observers := slices.Clone(c.observers)
			c.mu.Unlock()
			if len(q) == 0 {
				break
			}
			for _, t := range q {
				for _, fn := range observers {
					fn(t)
				}
			}
		}
		c.notifyMu.Unlock()

		c.mu.Lock()
		empty := len(c.queue) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

// ── Observables ───────────────────────────────────────────────────────────────

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether a session is Active.
func (c *Coordinator) IsActive() bool {
	return c.State() == Active
}

// IsSpeaking reports whether remote speech is scheduled and not finished.
func (c *Coordinator) IsSpeaking() bool {
	c.mu.Lock()
	var sched *playback.Scheduler
	if c.cur != nil {
		sched = c.cur.scheduler
	}
	c.mu.Unlock()
	return sched != nil && sched.IsSpeaking()
}

// LastError returns the message of the fault that ended the most recent
// session, or "" if it ended cleanly. It is cleared by the next Start.
func (c *Coordinator) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Generation returns the generation of the most recent session.
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		State:      c.state,
		Active:     c.state == Active,
		Error:      c.lastErr,
		Generation: c.generation,
	}
	s := c.cur
	var sched *playback.Scheduler
	if s != nil {
		sched = s.scheduler
	}
	c.mu.Unlock()

	if s == nil {
		return st
	}
	st.SessionID = s.id
	st.StartedAt = s.startedAt
	st.Model = s.cfg.Model
	st.Voice = s.cfg.Voice
	st.Handles = s.res.names()
	st.FramesSent = s.framesSent.Load()
	if sched != nil {
		st.Speaking = sched.IsSpeaking()
		st.PendingChunks = sched.Pending()
		st.CursorSeconds = sched.NextStart().Seconds()
	}
	return st
}
