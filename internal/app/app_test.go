package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/journal"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	livemock "github.com/MrWong99/livevoice/pkg/provider/live/mock"
)

// ── harness ──────────────────────────────────────────────────────────────────

type fixture struct {
	app   *app.App
	prov  *livemock.Provider
	mic   *audiomock.Microphone
	out   *audiomock.OutputDevice
	store *journal.MemoryStore
	srv   *httptest.Server
}

// testConfig returns a defaulted config with a short chunk size.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_addr: "127.0.0.1:0"
provider:
  name: gemini-live
  api_key: test
session:
  voice: Kore
  chunk_samples: 2
`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newFixture(t *testing.T, mutate ...func(*fixture)) *fixture {
	t.Helper()

	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	f := &fixture{
		prov:  &livemock.Provider{},
		mic:   &audiomock.Microphone{},
		out:   &audiomock.OutputDevice{},
		store: journal.NewMemoryStore(64),
	}
	for _, fn := range mutate {
		fn(f)
	}

	a, err := app.New(context.Background(), testConfig(t),
		&app.Backends{Provider: f.prov, Microphone: f.mic, Output: f.out},
		app.WithTelemetry(tel),
		app.WithJournalStore(f.store),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	f.app = a
	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return f
}

type response struct {
	code int
	body map[string]any
}

func (f *fixture) do(t *testing.T, method, path string) response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return response{code: resp.StatusCode, body: body}
}

// startAsync posts a start request and delivers the response on the channel.
func (f *fixture) startAsync(t *testing.T) <-chan response {
	t.Helper()
	ch := make(chan response, 1)
	go func() { ch <- f.do(t, http.MethodPost, "/v1/session/start") }()
	return ch
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func await(t *testing.T, ch <-chan response) response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("start request did not return")
		return response{}
	}
}

// activate starts a session over HTTP and acknowledges it remotely.
func (f *fixture) activate(t *testing.T) response {
	t.Helper()
	n := f.prov.TransportCount()
	ch := f.startAsync(t)
	eventually(t, func() bool { return f.prov.TransportCount() > n }, "transport not created")
	f.prov.Transport(n).Emit(live.Event{Kind: live.EventOpened})
	return await(t, ch)
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresBackends(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t), &app.Backends{Provider: &livemock.Provider{}})
	if err == nil {
		t.Fatal("expected error for missing backends")
	}
}

// ── Session API ──────────────────────────────────────────────────────────────

func TestAPI_StartAndStop(t *testing.T) {
	f := newFixture(t)

	r := f.activate(t)
	if r.code != http.StatusOK {
		t.Fatalf("start code = %d, body %v", r.code, r.body)
	}
	if r.body["state"] != "active" || r.body["active"] != true {
		t.Errorf("start body = %v", r.body)
	}
	if r.body["voice"] != "Kore" {
		t.Errorf("voice = %v", r.body["voice"])
	}

	st := f.do(t, http.MethodGet, "/v1/session")
	if st.code != http.StatusOK || st.body["state"] != "active" {
		t.Errorf("status = %d %v", st.code, st.body)
	}

	stop := f.do(t, http.MethodPost, "/v1/session/stop")
	if stop.code != http.StatusAccepted {
		t.Errorf("stop code = %d", stop.code)
	}
	eventually(t, func() bool { return f.app.Coordinator().State() == session.Idle }, "session not idle after stop")

	if got := f.prov.Transport(0).CloseCount(); got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}
	if !f.out.Output(0).Closed() {
		t.Error("output context not closed")
	}
}

func TestAPI_StartWhileActiveIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	r := f.do(t, http.MethodPost, "/v1/session/start")
	if r.code != http.StatusOK || r.body["state"] != "active" {
		t.Errorf("second start = %d %v", r.code, r.body)
	}
	if got := f.prov.ConnectCount(); got != 1 {
		t.Errorf("Connect called %d times, want 1", got)
	}
}

func TestAPI_StartErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*fixture)
		wantCode int
	}{
		{
			name:     "microphone permission denied",
			mutate:   func(f *fixture) { f.mic.OpenError = audio.ErrPermissionDenied },
			wantCode: http.StatusForbidden,
		},
		{
			name:     "transport refused",
			mutate:   func(f *fixture) { f.prov.ConnectErr = errors.New("dial: connection refused") },
			wantCode: http.StatusBadGateway,
		},
		{
			name:     "output unavailable",
			mutate:   func(f *fixture) { f.out.OpenError = audio.ErrDeviceUnavailable },
			wantCode: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)

			r := f.do(t, http.MethodPost, "/v1/session/start")
			if r.code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %v)", r.code, tt.wantCode, r.body)
			}
			if msg, _ := r.body["error"].(string); msg == "" {
				t.Error("error message missing")
			}
			status, _ := r.body["status"].(map[string]any)
			if status["state"] != "idle" {
				t.Errorf("state after failed start = %v", status["state"])
			}
			if status["error"] == nil {
				t.Error("status.error should carry the failure")
			}
		})
	}
}

func TestAPI_StopDuringConnect(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.prov.Block = make(chan struct{}) })

	ch := f.startAsync(t)
	eventually(t, func() bool { return f.prov.ConnectCount() == 1 }, "connect not attempted")

	if r := f.do(t, http.MethodPost, "/v1/session/stop"); r.code != http.StatusAccepted {
		t.Errorf("stop code = %d", r.code)
	}
	if r := await(t, ch); r.code != http.StatusConflict {
		t.Errorf("start code = %d, want 409 (body %v)", r.code, r.body)
	}
	eventually(t, func() bool { return f.app.Coordinator().State() == session.Idle }, "not idle")
}

func TestAPI_StopWhenIdle(t *testing.T) {
	f := newFixture(t)
	r := f.do(t, http.MethodPost, "/v1/session/stop")
	if r.code != http.StatusAccepted || r.body["state"] != "idle" {
		t.Errorf("stop = %d %v", r.code, r.body)
	}
}

// ── History ──────────────────────────────────────────────────────────────────

func TestAPI_History(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- f.app.Serve(ctx, ln) }()

	f.activate(t)
	<-f.app.Coordinator().Stop()
	eventually(t, func() bool { return f.store.Len() >= 5 }, "transitions not journaled")

	r := f.do(t, http.MethodGet, "/v1/sessions/history?limit=2")
	if r.code != http.StatusOK {
		t.Fatalf("history code = %d", r.code)
	}
	entries, _ := r.body["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	newest, _ := entries[0].(map[string]any)
	if newest["to"] != "idle" || newest["from"] != "closed" {
		t.Errorf("newest entry = %v", newest)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestAPI_HistoryBadLimit(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"limit=0", "limit=-3", "limit=abc"} {
		if r := f.do(t, http.MethodGet, "/v1/sessions/history?"+q); r.code != http.StatusBadRequest {
			t.Errorf("%s: code = %d, want 400", q, r.code)
		}
	}
}

// ── Health & metrics ─────────────────────────────────────────────────────────

func TestAPI_Health(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.prov.ConnectErr = errors.New("refused") })

	if r := f.do(t, http.MethodGet, "/healthz"); r.code != http.StatusOK {
		t.Errorf("healthz = %d", r.code)
	}
	if r := f.do(t, http.MethodGet, "/readyz"); r.code != http.StatusOK || r.body["status"] != "ok" {
		t.Errorf("readyz before failure = %d %v", r.code, r.body)
	}

	f.do(t, http.MethodPost, "/v1/session/start")

	r := f.do(t, http.MethodGet, "/readyz")
	if r.code != http.StatusOK || r.body["status"] != "degraded" {
		t.Errorf("readyz after failure = %d %v", r.code, r.body)
	}
}

func TestAPI_Metrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/v1/session")

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics code = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "livevoice_http_request_duration") {
		t.Error("HTTP duration histogram missing from /metrics")
	}
}

// ── Config reload ────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	var lv slog.LevelVar
	oldCfg := testConfig(t)
	a, err := app.New(context.Background(), oldCfg,
		&app.Backends{Provider: &livemock.Provider{}, Microphone: &audiomock.Microphone{}, Output: &audiomock.OutputDevice{}},
		app.WithTelemetry(tel),
		app.WithLogLevel(&lv),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	newCfg := testConfig(t)
	newCfg.Server.LogLevel = config.LogDebug
	newCfg.Session.Voice = "Puck"
	a.ApplyConfig(oldCfg, newCfg, config.Diff(oldCfg, newCfg))

	if got := a.Coordinator().SessionConfig().Voice; got != "Puck" {
		t.Errorf("next session voice = %q, want Puck", got)
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// ── Shutdown ─────────────────────────────────────────────────────────────────

func TestShutdown_StopsActiveSession(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.app.Coordinator().State() != session.Idle {
		t.Errorf("state after shutdown = %s", f.app.Coordinator().State())
	}
	if f.prov.Transport(0).CloseCount() != 1 {
		t.Error("transport not closed")
	}
	if err := f.app.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
