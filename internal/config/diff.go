package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is the only change applied without a restart.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether any setting differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and next and returns what changed.
func Diff(old, next *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != next.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = next.Server.LogLevel
	}

	if old.Server.ListenAddr != next.Server.ListenAddr ||
		old.Server.ShutdownTimeout != next.Server.ShutdownTimeout ||
		!sameTLS(old.Server.TLS, next.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Gemini != next.Gemini {
		d.RestartRequired = append(d.RestartRequired, "gemini")
	}
	if old.Audio != next.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Reconnect != next.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if old.Persona != next.Persona {
		d.RestartRequired = append(d.RestartRequired, "persona")
	}
	if old.Content != next.Content {
		d.RestartRequired = append(d.RestartRequired, "content")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
