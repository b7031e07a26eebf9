package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits one step below [slog.LevelDebug] and gates full wire
// payloads: the JSON bodies exchanged with the inference provider and
// the messaging platform. Off in normal operation; every request logs
// kilobytes at this level, so enable it only while chasing a provider
// bug.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps the config file's log_level string to a level.
// Matching is case-insensitive and ignores surrounding whitespace.
// "trace", "debug", "info" (or empty), "warn"/"warning" and "error"
// are accepted; anything else is an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames labels [LevelTrace] records as "TRACE" in log
// output. slog only knows its four built-in level names and would
// print "DEBUG-4" otherwise. Install it via
// [slog.HandlerOptions.ReplaceAttr].
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
