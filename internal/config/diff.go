package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionFields lists the session.* keys that changed and apply to the
	// next session without a restart.
	SessionFields []string

	// RestartRequired lists the sections or keys whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// SessionChanged reports whether any session setting changed.
func (d ConfigDiff) SessionChanged() bool { return len(d.SessionFields) > 0 }

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.SessionFields) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionFields = diffSession(&old.Session, &new.Session)
	if old.Session.ChunkSamples != new.Session.ChunkSamples {
		d.RestartRequired = append(d.RestartRequired, "session.chunk_samples")
	}
	if old.Session.FrameBuffer != new.Session.FrameBuffer {
		d.RestartRequired = append(d.RestartRequired, "session.frame_buffer")
	}
	if old.Session.ConnectTimeout != new.Session.ConnectTimeout {
		d.RestartRequired = append(d.RestartRequired, "session.connect_timeout")
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if !reflect.DeepEqual(old.Fallbacks, new.Fallbacks) || old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "fallbacks")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	return d
}

// diffSession returns the yaml keys of the per-session fields that differ.
func diffSession(old, new *SessionConfig) []string {
	var fields []string
	if old.Voice != new.Voice {
		fields = append(fields, "voice")
	}
	if old.Instructions != new.Instructions {
		fields = append(fields, "instructions")
	}
	if old.InputSampleRate != new.InputSampleRate {
		fields = append(fields, "input_sample_rate")
	}
	if old.OutputSampleRate != new.OutputSampleRate {
		fields = append(fields, "output_sample_rate")
	}
	return fields
}
