package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-applied to a live session are tracked;
// capture, transcriber, and archive changes require a restart.
type ConfigDiff struct {
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	SegmenterChanged bool
	BufferChanged    bool
	MatcherChanged   bool
	PlaybackChanged  bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.SegmenterChanged || d.BufferChanged ||
		d.MatcherChanged || d.PlaybackChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Segmenter != new.Segmenter {
		d.SegmenterChanged = true
	}
	if old.Buffer != new.Buffer {
		d.BufferChanged = true
	}
	if old.Matcher != new.Matcher {
		d.MatcherChanged = true
	}
	if old.Playback != new.Playback {
		d.PlaybackChanged = true
	}

	return d
}
