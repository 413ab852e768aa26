package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries full wire
// payloads: backend request bodies, raw SSE lines, JSON-RPC frames.
// -8 matches the value other slog-extending Go projects settled on.
const LevelTrace = slog.Level(-8)

// logLevels maps the accepted log_level config strings. "warning" is
// accepted as an alias since both spellings show up in the wild.
var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts a config string to an [slog.Level],
// case-insensitively and ignoring surrounding whitespace. An empty
// string means info.
func ParseLogLevel(s string) (slog.Level, error) {
	level, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return level, nil
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr]
// function that labels [LevelTrace] records as TRACE. slog only knows
// its four built-in levels and would otherwise print DEBUG-4.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
