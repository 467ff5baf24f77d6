package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"provider": {"gemini-live", "openai-realtime"},
	"input":    {"ffmpeg"},
	"output":   {"ffmpeg"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// A relative session.instructions_file resolves against the directory of path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := parse(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. A relative session.instructions_file resolves against the
// working directory.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, "")
}

func parse(r io.Reader, baseDir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if err := loadInstructions(cfg, baseDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadInstructions replaces Session.Instructions with the contents of
// Session.InstructionsFile when one is configured.
func loadInstructions(cfg *Config, baseDir string) error {
	path := cfg.Session.InstructionsFile
	if path == "" {
		return nil
	}
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: session.instructions_file: %w", err)
	}
	cfg.Session.Instructions = strings.TrimSpace(string(data))
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backend names
	validateProviderName("provider", cfg.Provider.Name)
	validateProviderName("input", cfg.Audio.Input.Name)
	validateProviderName("output", cfg.Audio.Output.Name)
	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("provider", fb.Name)
	}
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %s must not be negative", cfg.Breaker.ResetTimeout))
	}

	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; the remote service will likely refuse the connection",
			"provider", cfg.Provider.Name,
		)
	}

	// Session
	s := cfg.Session
	if s.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("session.input_sample_rate %d must not be negative", s.InputSampleRate))
	}
	if s.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("session.output_sample_rate %d must not be negative", s.OutputSampleRate))
	}
	if s.ChunkSamples < 0 {
		errs = append(errs, fmt.Errorf("session.chunk_samples %d must not be negative", s.ChunkSamples))
	}
	if s.FrameBuffer < 0 {
		errs = append(errs, fmt.Errorf("session.frame_buffer %d must not be negative", s.FrameBuffer))
	}
	if s.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", s.ConnectTimeout))
	}
	if s.Instructions != "" && s.InstructionsFile != "" {
		errs = append(errs, errors.New("session.instructions and session.instructions_file are mutually exclusive"))
	}

	// Audio
	if c := cfg.Audio.Input.Channels; c < 0 || c > 2 {
		errs = append(errs, fmt.Errorf("audio.input.channels %d is out of range [0, 2]", c))
	}
	if c := cfg.Audio.Output.Channels; c < 0 || c > 2 {
		errs = append(errs, fmt.Errorf("audio.output.channels %d is out of range [0, 2]", c))
	}
	if cfg.Audio.Input.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input.sample_rate %d must not be negative", cfg.Audio.Input.SampleRate))
	}
	if cfg.Audio.Output.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output.sample_rate %d must not be negative", cfg.Audio.Output.SampleRate))
	}

	// Journal
	j := cfg.Journal
	if j.Backend != "" && !j.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("journal.backend %q is invalid; valid values: memory, postgres", j.Backend))
	}
	if j.Backend == JournalPostgres && j.PostgresDSN == "" {
		errs = append(errs, errors.New("journal.postgres_dsn is required when journal.backend is postgres"))
	}
	if j.Capacity < 0 {
		errs = append(errs, fmt.Errorf("journal.capacity %d must not be negative", j.Capacity))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name; may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
