package playback_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/playback"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func encode(samples ...int16) string {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(b)
}

// seconds returns a silent 24 kHz mono buffer of length d.
func seconds(d time.Duration) audio.Buffer {
	n := int(d * 24000 / time.Second)
	return audio.Buffer{Samples: make([]float32, n), SampleRate: 24000, Channels: 1}
}

const t0 = 10 * time.Second

func newScheduler(t *testing.T, opts ...playback.Option) (*playback.Scheduler, *mock.Output) {
	t.Helper()
	out := mock.NewOutput(audio.Mono24k, t0)
	opts = append([]playback.Option{playback.WithMetrics(noopMetrics(t))}, opts...)
	return playback.New(out, opts...), out
}

// ── Decoder ───────────────────────────────────────────────────────────────────

func TestDecoder_Decode(t *testing.T) {
	t.Parallel()

	sixteenK := make([]int16, 160)
	for i := range sixteenK {
		sixteenK[i] = 1000
	}

	tests := []struct {
		name       string
		dec        playback.Decoder
		chunk      live.AudioChunk
		wantFrames int
		wantCh     int
		wantFirst  float32
	}{
		{
			name:       "native rate",
			dec:        playback.Decoder{Output: audio.Mono24k},
			chunk:      live.AudioChunk{Data: encode(16384, -16384), MIMEType: "audio/pcm;rate=24000"},
			wantFrames: 2,
			wantCh:     1,
			wantFirst:  0.5,
		},
		{
			name:       "resampled from mime rate",
			dec:        playback.Decoder{Output: audio.Mono24k},
			chunk:      live.AudioChunk{Data: encode(sixteenK...), MIMEType: "audio/pcm;rate=16000"},
			wantFrames: 240,
			wantCh:     1,
			wantFirst:  1000.0 / 32768,
		},
		{
			name:       "source rate fallback",
			dec:        playback.Decoder{Output: audio.Mono24k, SourceRate: 16000},
			chunk:      live.AudioChunk{Data: encode(sixteenK...), MIMEType: "audio/pcm"},
			wantFrames: 240,
			wantCh:     1,
			wantFirst:  1000.0 / 32768,
		},
		{
			name:       "stereo output",
			dec:        playback.Decoder{Output: audio.Format{SampleRate: 24000, Channels: 2}},
			chunk:      live.AudioChunk{Data: encode(8192, 8192), MIMEType: "audio/pcm;rate=24000"},
			wantFrames: 2,
			wantCh:     2,
			wantFirst:  0.25,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			buf, err := tc.dec.Decode(tc.chunk)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if buf.Frames() != tc.wantFrames {
				t.Errorf("frames = %d, want %d", buf.Frames(), tc.wantFrames)
			}
			if buf.Channels != tc.wantCh || buf.SampleRate != 24000 {
				t.Errorf("format = %dHz/%dch", buf.SampleRate, buf.Channels)
			}
			if buf.Samples[0] != tc.wantFirst {
				t.Errorf("first sample = %v, want %v", buf.Samples[0], tc.wantFirst)
			}
		})
	}
}

func TestDecoder_Errors(t *testing.T) {
	t.Parallel()

	dec := playback.Decoder{Output: audio.Mono24k}
	for name, chunk := range map[string]live.AudioChunk{
		"empty":      {Data: ""},
		"not base64": {Data: "@@not-base64@@"},
		"odd length": {Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := dec.Decode(chunk); !errors.Is(err, playback.ErrDecode) {
				t.Errorf("err = %v, want ErrDecode", err)
			}
		})
	}
}

// ── Scheduler ─────────────────────────────────────────────────────────────────

func TestScheduler_GaplessStarts(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	half := seconds(500 * time.Millisecond)

	want := []time.Duration{t0, t0 + 500*time.Millisecond, t0 + time.Second}
	for i, w := range want {
		got, err := s.Schedule(half)
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		if got != w {
			t.Errorf("start %d = %v, want %v", i, got, w)
		}
	}
	if got := s.NextStart(); got != t0+1500*time.Millisecond {
		t.Errorf("NextStart = %v", got)
	}
	if !s.IsSpeaking() || s.Pending() != 3 {
		t.Fatalf("speaking=%v pending=%d", s.IsSpeaking(), s.Pending())
	}

	for i, v := range out.Voices() {
		if v.Start != want[i] {
			t.Errorf("voice %d start = %v", i, v.Start)
		}
	}

	out.Advance(600 * time.Millisecond)
	if s.Pending() != 2 {
		t.Errorf("pending after first chunk = %d, want 2", s.Pending())
	}
	out.Advance(time.Second)
	if s.IsSpeaking() {
		t.Error("still speaking after all chunks ended")
	}
}

func TestScheduler_OddChunksDoNotDrift(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(t)
	buf := audio.Buffer{Samples: make([]float32, 1001), SampleRate: 24000, Channels: 1}

	const chunks = 1000
	for i := range chunks {
		got, err := s.Schedule(buf)
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		want := t0 + time.Duration(int64(i)*1001*int64(time.Second)/24000)
		if got != want {
			t.Fatalf("start %d = %v, want %v", i, got, want)
		}
	}
	if got, want := s.NextStart(), t0+time.Duration(chunks*1001*int64(time.Second)/24000); got != want {
		t.Errorf("NextStart = %v, want %v", got, want)
	}
}

func TestScheduler_UnderrunStartsNow(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	if _, err := s.Schedule(seconds(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	out.Advance(time.Second)

	got, err := s.Schedule(seconds(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if want := t0 + time.Second; got != want {
		t.Errorf("start after underrun = %v, want %v", got, want)
	}
}

func TestScheduler_StartsNeverDecrease(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	var last time.Duration
	for i := range 20 {
		got, err := s.Schedule(seconds(time.Duration(i%3+1) * 40 * time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		if got < last {
			t.Fatalf("start %d = %v decreased from %v", i, got, last)
		}
		if now := out.Now(); got < now {
			t.Fatalf("start %d = %v before now %v", i, got, now)
		}
		last = got
		out.Advance(time.Duration(i%4) * 30 * time.Millisecond)
	}
}

func TestScheduler_InterruptDuringSecondChunk(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	half := seconds(500 * time.Millisecond)
	for range 3 {
		if _, err := s.Schedule(half); err != nil {
			t.Fatal(err)
		}
	}

	out.Advance(700 * time.Millisecond)
	if n := s.Interrupt(); n != 2 {
		t.Errorf("Interrupt stopped %d voices, want 2", n)
	}
	if s.IsSpeaking() {
		t.Error("IsSpeaking must be false right after Interrupt")
	}
	if got := s.NextStart(); got != t0+700*time.Millisecond {
		t.Errorf("cursor = %v, want reset to now", got)
	}

	voices := out.Voices()
	if !voices[0].Ended() || voices[0].Stopped() {
		t.Error("first chunk should have ended naturally")
	}
	for _, v := range voices[1:] {
		if !v.Stopped() {
			t.Errorf("voice at %v not stopped", v.Start)
		}
	}
	if len(out.Playing()) != 0 {
		t.Error("voices still playing after Interrupt")
	}

	got, err := s.Schedule(half)
	if err != nil {
		t.Fatal(err)
	}
	if got != t0+700*time.Millisecond {
		t.Errorf("post-interrupt start = %v", got)
	}
}

func TestScheduler_InterruptWhenIdle(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	out.Advance(time.Second)
	if n := s.Interrupt(); n != 0 {
		t.Errorf("Interrupt = %d, want 0", n)
	}
	if s.NextStart() != out.Now() {
		t.Error("cursor should move to now")
	}
}

func TestScheduler_Reset(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	out.Advance(3 * time.Second)
	s.Reset()
	if got := s.NextStart(); got != t0+3*time.Second {
		t.Errorf("NextStart = %v", got)
	}
}

func TestScheduler_SpeakingObserver(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []bool
	)
	s, out := newScheduler(t, playback.WithSpeakingObserver(func(v bool) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	}))

	_, _ = s.Schedule(seconds(100 * time.Millisecond))
	_, _ = s.Schedule(seconds(100 * time.Millisecond))
	out.Advance(time.Second)
	_, _ = s.Schedule(seconds(100 * time.Millisecond))
	s.Interrupt()

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true, false}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func TestScheduler_EmptyBufferTakesNoTime(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	start, err := s.Schedule(audio.Buffer{SampleRate: 24000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if start != t0 || s.NextStart() != t0 || s.IsSpeaking() {
		t.Errorf("start=%v next=%v speaking=%v", start, s.NextStart(), s.IsSpeaking())
	}
	if len(out.Voices()) != 0 {
		t.Error("empty buffer should not reach the output")
	}
}

func TestScheduler_ScheduleError(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	out.ScheduleError = errors.New("device busy")
	if _, err := s.Schedule(seconds(time.Second)); err == nil {
		t.Fatal("expected error")
	}
	if s.IsSpeaking() || s.NextStart() != t0 {
		t.Error("failed schedule must not change state")
	}
}

func TestScheduler_Close(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	_, _ = s.Schedule(seconds(time.Second))
	s.Close()
	s.Close()

	if s.IsSpeaking() {
		t.Error("speaking after Close")
	}
	if !out.Voices()[0].Stopped() {
		t.Error("pending voice not stopped on Close")
	}
	if out.Closed() {
		t.Error("Close must not close the output context")
	}
	if _, err := s.Schedule(seconds(time.Second)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Schedule after Close = %v, want ErrClosed", err)
	}
}

func TestScheduler_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	s, _ := newScheduler(t, playback.WithMetrics(m))
	_, _ = s.Schedule(seconds(time.Second))
	_, _ = s.Schedule(seconds(time.Second))
	s.Interrupt()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{
		"livevoice.playback.chunks_scheduled": 2,
		"livevoice.playback.interruptions":    1,
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			w, ok := want[met.Name]
			if !ok {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			if got := sum.DataPoints[0].Value; got != w {
				t.Errorf("%s = %d, want %d", met.Name, got, w)
			}
			delete(want, met.Name)
		}
	}
	if len(want) != 0 {
		t.Errorf("metrics not recorded: %v", want)
	}
}
