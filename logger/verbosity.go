package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityUser  = 0 // No flags: warnings and errors only
	VerbosityInfo  = 1 // -v: + lifecycle, admissions, promotions
	VerbosityDebug = 2 // -vv: + duplicates, conflicts, per-event detail
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap log levels.
// A configured level wins when no -v flag was given.
//
//	0 (none) -> configured level (warn if unset)
//	1 (-v)   -> InfoLevel
//	2+ (-vv) -> DebugLevel
func VerbosityToLevel(verbosity int, configured string) zapcore.Level {
	switch {
	case verbosity >= VerbosityDebug:
		return zapcore.DebugLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	}
	if configured != "" {
		if lvl, err := ParseLevel(configured); err == nil {
			return lvl
		}
	}
	return zapcore.WarnLevel
}

// LevelName returns a human-readable name for verbosity level
func LevelName(verbosity int) string {
	switch {
	case verbosity <= VerbosityUser:
		return "User"
	case verbosity == VerbosityInfo:
		return "Info (-v)"
	default:
		return "Debug (-vv)"
	}
}
