package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-applicable fields are reported individually; everything else only sets
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CommandsChanged bool
	NewCommands     []string

	CaptureCommandChanged bool
	NewCaptureCommand     string

	// LanguagesChanged means the rotation list changed. The rotator is
	// rebuilt and positioned at the first new language.
	LanguagesChanged bool
	NewLanguages     []string

	// RestartRequired is true when providers, chat, timing, diagnostics or
	// device settings changed. Those only apply after a restart.
	RestartRequired bool
}

// Empty reports whether no change was detected.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CommandsChanged && !d.CaptureCommandChanged &&
		!d.LanguagesChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	or, nr := old.Recognition, new.Recognition
	if !slices.Equal(or.Commands, nr.Commands) {
		d.CommandsChanged = true
		d.NewCommands = slices.Clone(nr.Commands)
	}
	if or.CaptureCommand != nr.CaptureCommand {
		d.CaptureCommandChanged = true
		d.NewCaptureCommand = nr.CaptureCommand
	}
	if !slices.Equal(or.Languages, nr.Languages) {
		d.LanguagesChanged = true
		d.NewLanguages = slices.Clone(nr.Languages)
	}

	if or.InterimResults != nr.InterimResults ||
		or.MaxAlternatives != nr.MaxAlternatives ||
		or.Continuous != nr.Continuous ||
		or.Grammar != nr.Grammar ||
		old.Chat != new.Chat ||
		old.Timing != new.Timing ||
		old.Diagnostics != new.Diagnostics ||
		!reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = true
	}

	return d
}
