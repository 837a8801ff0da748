package config

// Diff describes what changed between two configs. Only fields that can be
// applied without a restart are tracked; everything else needs a process
// restart to take effect.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AuthTokenChanged bool
	NewAuthToken     string

	PingIntervalChanged bool
	NewPingInterval     Duration
}

// Any reports whether the diff contains at least one hot-reloadable change.
func (d Diff) Any() bool {
	return d.LogLevelChanged || d.AuthTokenChanged || d.PingIntervalChanged
}

// Compare returns the hot-reloadable differences between old and new.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Ingest.AuthToken != new.Ingest.AuthToken {
		d.AuthTokenChanged = true
		d.NewAuthToken = new.Ingest.AuthToken
	}
	if old.Ingest.PingInterval != new.Ingest.PingInterval {
		d.PingIntervalChanged = true
		d.NewPingInterval = new.Ingest.PingInterval
	}

	return d
}
