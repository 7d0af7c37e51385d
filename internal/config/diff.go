package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: everything else
// (listen address, engine model, stream tuning) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CorrectionChanged is true when the keyword list or a matching
	// threshold changed. New connections pick up the rebuilt corrector.
	CorrectionChanged bool

	// PolishChanged is true when the polish provider, model, or request
	// settings changed. New connections pick up the rebuilt polisher.
	PolishChanged bool
}

// Changed reports whether anything hot-reloadable differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CorrectionChanged || d.PolishChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Correction.Keywords, new.Correction.Keywords) ||
		old.Correction.PhoneticThreshold != new.Correction.PhoneticThreshold ||
		old.Correction.FuzzyThreshold != new.Correction.FuzzyThreshold {
		d.CorrectionChanged = true
	}

	if old.Polish != new.Polish {
		d.PolishChanged = true
	}

	return d
}
