package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and gates wire-level
// forensics: the stdio and WebSocket transports dump full JSON-RPC
// frames at this level. The value -8 matches the Trace convention
// used by OpenTelemetry and other slog extensions.
//
// Trace output includes request parameters and results verbatim, so
// it can leak payload contents into logs. Enable it only while
// chasing a protocol bug against a specific server.
const LevelTrace = slog.Level(-8)

// levelNames maps the accepted log_level config strings to slog
// levels. The empty string means the field was omitted and falls back
// to info.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts a log_level config string to an [slog.Level].
// Matching is case-insensitive and ignores surrounding whitespace;
// unrecognized values return an error along with the info level.
func ParseLogLevel(s string) (slog.Level, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return level, nil
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelTrace] as "TRACE". slog knows nothing about
// custom levels and would otherwise print it as "DEBUG-4".
//
//	slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
//	    Level:       config.LevelTrace,
//	    ReplaceAttr: config.ReplaceLogLevelNames,
//	})
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
