// Package app wires the livevoice subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the telemetry
// providers, the session journal and the session coordinator and mounts the
// HTTP control API; Run serves until its context ends; Shutdown stops any
// active session and releases everything in reverse order.
//
// For testing, inject doubles via functional options (WithJournalStore,
// WithMetrics, WithTelemetry). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/journal"
	"github.com/MrWong99/livevoice/internal/journal/postgres"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// shutdownGrace bounds the session stop and HTTP drain when Run's context
// ends.
const shutdownGrace = 10 * time.Second

// Backends holds the device and provider implementations. Populated by
// main.go via the config registry.
type Backends struct {
	Provider   live.Provider
	Microphone audio.Microphone
	Output     audio.OutputDevice
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	backends *Backends

	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	store     journal.Store
	recorder  *journal.Recorder
	coord     *session.Coordinator
	watcher   *config.Watcher
	logLevel  *slog.LevelVar

	handler http.Handler
	server  *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithJournalStore injects a journal store instead of creating one from config.
func WithJournalStore(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTelemetry injects already initialised telemetry providers. The App
// does not shut them down.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithMetrics injects the metrics sink instead of deriving it from the
// telemetry meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithWatcher runs w alongside the server and applies its changes.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLogLevel lets configuration reloads adjust the log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the given backends. All initialisation is
// synchronous; on error everything created so far is released.
func New(ctx context.Context, cfg *config.Config, backends *Backends, opts ...Option) (*App, error) {
	if backends == nil || backends.Provider == nil || backends.Microphone == nil || backends.Output == nil {
		return nil, errors.New("app: provider, microphone and output backends are required")
	}
	a := &App{
		cfg:      cfg,
		backends: backends,
	}
	for _, o := range opts {
		o(a)
	}

	ok := false
	defer func() {
		if !ok {
			a.runClosers(context.WithoutCancel(ctx))
		}
	}()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 3. Coordinator ───────────────────────────────────────────────────
	a.coord = session.NewCoordinator(session.Config{
		Provider:       backends.Provider,
		Microphone:     backends.Microphone,
		Output:         backends.Output,
		Session:        cfg.Live(),
		ChunkSamples:   cfg.Session.ChunkSamples,
		FrameBuffer:    cfg.Session.FrameBuffer,
		ConnectTimeout: cfg.Session.ConnectTimeout,
		Metrics:        a.metrics,
	})
	a.coord.OnStateChange(a.recorder.Observe)
	a.coord.OnStateChange(logTransition)

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return a, nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if a.telemetry == nil {
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			return err
		}
		a.telemetry = tel
		a.closers = append(a.closers, tel.Shutdown)
	}
	if a.metrics == nil {
		m, err := observe.NewMetrics(a.telemetry.MeterProvider)
		if err != nil {
			return err
		}
		a.metrics = m
	}
	return nil
}

func (a *App) initJournal(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Journal.Backend {
		case config.JournalPostgres:
			s, err := postgres.NewStore(ctx, a.cfg.Journal.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
			slog.Info("journal: connected to postgres")
		default:
			a.store = journal.NewMemoryStore(a.cfg.Journal.Capacity)
		}
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	a.recorder = journal.NewRecorder(a.store)
	return nil
}

func logTransition(tr session.Transition) {
	attrs := []any{
		"session_id", tr.SessionID,
		"generation", tr.Generation,
		"from", tr.From.String(),
		"to", tr.To.String(),
	}
	if tr.Err != nil {
		slog.Warn("session: state changed", append(attrs, "err", tr.Err)...)
		return
	}
	slog.Info("session: state changed", attrs...)
}

// Coordinator returns the session coordinator.
func (a *App) Coordinator() *session.Coordinator { return a.coord }

// Handler returns the HTTP handler serving the control API.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Configuration reload ────────────────────────────────────────────────────

// ApplyConfig applies a reloaded configuration. Session settings take effect
// on the next session; sections that need a restart are only logged.
func (a *App) ApplyConfig(_, newCfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged() {
		a.coord.SetSessionConfig(newCfg.Live())
		slog.Info("session settings updated for the next session", "fields", d.SessionFields)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes require a restart", "changed", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API on the configured address until ctx is
// cancelled. See [App.Serve].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves the control API on ln until ctx is cancelled, alongside the
// journal recorder and the config watcher. When ctx ends, any active session
// is stopped and the server drains. It returns ctx.Err() after a clean stop.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	// The recorder outlives ctx so the teardown transitions are journaled.
	recCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRecorder()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.recorder.Run(recCtx) })

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()

		if err := a.coord.Shutdown(sctx); err != nil {
			slog.Warn("app: session did not stop in time", "err", err)
		}
		stopRecorder()
		return a.server.Shutdown(sctx)
	})

	slog.Info("app running", "listen_addr", ln.Addr().String())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any active session and releases all subsystems in reverse
// initialisation order. It is safe to call more than once; later calls
// return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		var errs []error
		if err := a.coord.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop session: %w", err))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop server: %w", err))
		}
		if err := a.runClosers(ctx); err != nil {
			errs = append(errs, err)
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// runClosers calls every closer in reverse order. A failing closer is logged
// and does not prevent the remaining ones.
func (a *App) runClosers(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
