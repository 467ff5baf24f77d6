// Package ffmpeg implements the audio device interfaces on top of the ffmpeg
// and ffplay command-line tools. Capture runs ffmpeg against the platform's
// default input (PulseAudio on Linux, AVFoundation on macOS) and reads raw
// s16le PCM from its stdout. Playback pipes the output of a software
// [mixer.Timeline] into ffplay's stdin.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/mixer"
)

var (
	_ audio.Microphone   = (*Microphone)(nil)
	_ audio.InputStream  = (*stream)(nil)
	_ audio.OutputDevice = (*Player)(nil)
)

// execCommand is replaced in tests.
var execCommand = exec.Command

// stderrLimit caps how much of a tool's stderr is kept for diagnostics.
const stderrLimit = 4096

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone captures from the system default input device through ffmpeg.
type Microphone struct {
	binary  string
	backend string
	device  string
	goos    string
}

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithFFmpegBinary overrides the ffmpeg executable name or path.
func WithFFmpegBinary(path string) MicOption {
	return func(m *Microphone) {
		if path != "" {
			m.binary = path
		}
	}
}

// WithInputBackend overrides the ffmpeg input format, e.g. "pulse", "alsa" or
// "avfoundation". The default is chosen from the operating system.
func WithInputBackend(name string) MicOption {
	return func(m *Microphone) {
		if name != "" {
			m.backend = name
		}
	}
}

// WithInputDevice overrides the ffmpeg input device, e.g. "default" or ":0".
func WithInputDevice(name string) MicOption {
	return func(m *Microphone) {
		if name != "" {
			m.device = name
		}
	}
}

// NewMicrophone returns a Microphone for the current platform.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{binary: "ffmpeg", goos: runtime.GOOS}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open starts ffmpeg and waits until the first PCM bytes arrive, the process
// exits, or ctx is cancelled. Waiting for data means an operating-system
// permission prompt is resolved before Open returns.
func (m *Microphone) Open(ctx context.Context, f audio.Format) (audio.InputStream, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("ffmpeg: invalid capture format %s", f)
	}
	args, err := captureArgs(m.goos, m.backend, m.device, f)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	cmd := execCommand(m.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	stderr := &headBuffer{max: stderrLimit}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: start %s: %w", audio.ErrDeviceUnavailable, m.binary, err)
	}

	s := &stream{cmd: cmd, r: bufio.NewReaderSize(stdout, 8192), format: f}

	peeked := make(chan error, 1)
	go func() {
		_, err := s.r.Peek(1)
		peeked <- err
	}()

	select {
	case err := <-peeked:
		if err == nil {
			return s, nil
		}
		waitErr := cmd.Wait()
		return nil, classifyExit(stderr.String(), errors.Join(err, waitErr))
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-peeked
		_ = cmd.Wait()
		return nil, fmt.Errorf("ffmpeg: open capture: %w", ctx.Err())
	}
}

// captureArgs builds the ffmpeg argument list for capturing f from the given
// backend and device. Empty backend and device select the platform default.
func captureArgs(goos, backend, device string, f audio.Format) ([]string, error) {
	if backend == "" {
		switch goos {
		case "darwin":
			backend = "avfoundation"
		case "linux":
			backend = "pulse"
		default:
			return nil, fmt.Errorf("no default capture backend for %s; supported platforms: darwin, linux", goos)
		}
	}
	if device == "" {
		device = "default"
		if backend == "avfoundation" {
			device = ":0"
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", backend, "-i", device,
		"-ac", strconv.Itoa(f.Channels), "-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le", "-",
	}, nil
}

// permissionMarkers are stderr fragments ffmpeg prints when the operating
// system refuses microphone access.
var permissionMarkers = []string{
	"permission denied",
	"operation not permitted",
	"not authorized",
	"not permitted to access",
}

// classifyExit maps an early ffmpeg exit to a device sentinel error.
func classifyExit(stderr string, cause error) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	for _, m := range permissionMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("ffmpeg: %w: %s", audio.ErrPermissionDenied, msg)
		}
	}
	if msg == "" {
		return fmt.Errorf("ffmpeg: %w: %w", audio.ErrDeviceUnavailable, cause)
	}
	return fmt.Errorf("ffmpeg: %w: %s", audio.ErrDeviceUnavailable, msg)
}

// stream is an open ffmpeg capture process.
type stream struct {
	cmd    *exec.Cmd
	r      *bufio.Reader
	format audio.Format

	closeOnce sync.Once
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Read(p []byte) (int, error) { return s.r.Read(p) }

// Close kills ffmpeg and reaps it. Pending reads return io.EOF.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	})
	return nil
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player plays audio through ffplay. Each [Player.Open] starts a new ffplay
// process fed by a [mixer.Timeline].
type Player struct {
	binary string
	block  time.Duration
}

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithFFplayBinary overrides the ffplay executable name or path.
func WithFFplayBinary(path string) PlayerOption {
	return func(p *Player) {
		if path != "" {
			p.binary = path
		}
	}
}

// WithRenderBlock sets the timeline render quantum.
func WithRenderBlock(d time.Duration) PlayerOption {
	return func(p *Player) {
		if d > 0 {
			p.block = d
		}
	}
}

// NewPlayer returns a Player using ffplay from PATH.
func NewPlayer(opts ...PlayerOption) *Player {
	p := &Player{binary: "ffplay", block: mixer.DefaultBlock}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open starts ffplay reading s16le at format f and returns a timeline that
// renders into it.
func (p *Player) Open(ctx context.Context, f audio.Format) (audio.OutputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ffplay: open output: %w", err)
	}
	if !f.Valid() {
		return nil, fmt.Errorf("ffplay: invalid output format %s", f)
	}

	cmd := execCommand(p.binary, playbackArgs(f)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffplay: stdin pipe: %w", err)
	}
	stderr := &headBuffer{max: stderrLimit}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffplay: %w: start %s: %w", audio.ErrDeviceUnavailable, p.binary, err)
	}

	tl, err := mixer.New(&pipeSink{cmd: cmd, stdin: stdin}, f, mixer.WithBlock(p.block))
	if err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("ffplay: %w", err)
	}
	return tl, nil
}

func playbackArgs(f audio.Format) []string {
	return []string{
		"-nodisp", "-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
	}
}

// pipeSink feeds ffplay's stdin. Closing it stops the process.
type pipeSink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (s *pipeSink) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Close kills ffplay rather than letting it drain, so teardown is silent
// immediately.
func (s *pipeSink) Close() error {
	_ = s.stdin.Close()
	_ = s.cmd.Process.Kill()
	err := s.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// headBuffer keeps the first max bytes written to it.
type headBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *headBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (b *headBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
