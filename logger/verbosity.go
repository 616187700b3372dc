package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for the CLI -v flag count.
const (
	VerbosityDefault = 0 // no flags: configured level
	VerbosityInfo    = 1 // -v
	VerbosityDebug   = 2 // -vv
)

// VerbosityToLevel maps -v flags to zap levels. Zero keeps the fallback level.
func VerbosityToLevel(verbosity int, fallback zapcore.Level) zapcore.Level {
	switch {
	case verbosity <= VerbosityDefault:
		return fallback
	case verbosity == VerbosityInfo:
		if fallback < zapcore.InfoLevel {
			return fallback
		}
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
