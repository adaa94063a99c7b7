package logging

import "strings"

// ParseLevel maps a configuration level name to a LogLevel constant.
func ParseLevel(level string) (int, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug, true
	case "info", "":
		return LogLevelInfo, true
	case "warn", "warning":
		return LogLevelWarn, true
	case "error":
		return LogLevelError, true
	default:
		return LogLevelInfo, false
	}
}

// FilterLevel drops everything below minLevel before it reaches the wrapped funcs.
// Backends without native level support (the sprintf std logger) are wrapped with it.
func FilterLevel(minLevel int, funcs LogFuncs) LogFuncs {
	gate := func(level int, f LogFunc) LogFunc {
		if f == nil || level < minLevel {
			return nil
		}
		return f
	}
	return LogFuncs{
		Debugf: gate(LogLevelDebug, funcs.Debugf),
		Infof:  gate(LogLevelInfo, funcs.Infof),
		Warnf:  gate(LogLevelWarn, funcs.Warnf),
		Errorf: gate(LogLevelError, funcs.Errorf),
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return NewLogger("", LogFuncs{})
}
