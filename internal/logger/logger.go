// Package logger provides leveled, structured logging for objectfs, built
// on log/slog the way gcsfuse's internal/logger package wraps slog: a
// package-level default logger, five severities (TRACE/DEBUG/INFO/WARNING/
// ERROR), and a choice of "text" or "json" output format.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Severity is a logging level, ordered least to most severe.
type Severity int

const (
	LevelTrace Severity = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelOff
)

// slogLevelTrace sits below slog's built-in levels so TRACE can be
// distinguished from DEBUG (slog's own LevelDebug) the way gcsfuse's
// severities are.
const (
	slogLevelTrace = slog.Level(-8)
	slogLevelDebug = slog.LevelDebug
)

func (s Severity) slogLevel() slog.Level {
	switch s {
	case LevelTrace:
		return slogLevelTrace
	case LevelDebug:
		return slogLevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (s Severity) String() string {
	switch s {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "OFF"
	}
}

// ParseSeverity parses the CLI/config spelling of a severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "off":
		return LevelOff, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log severity %q", s)
	}
}

type loggerFactory struct {
	format string // "text" or "json"
	level  *slog.LevelVar
}

func (f *loggerFactory) createHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: f.level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				lvl := a.Value.Any().(slog.Level)
				a.Value = slog.StringValue(severityForLevel(lvl).String())
				a.Key = "severity"
			}
			return a
		},
	}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func severityForLevel(l slog.Level) Severity {
	switch {
	case l <= slogLevelTrace:
		return LevelTrace
	case l <= slogLevelDebug:
		return LevelDebug
	case l <= slog.LevelInfo:
		return LevelInfo
	case l <= slog.LevelWarn:
		return LevelWarning
	default:
		return LevelError
	}
}

var (
	defaultFactory = &loggerFactory{format: "text", level: &slog.LevelVar{}}
	defaultLogger  = slog.New(defaultFactory.createHandler(os.Stderr))
)

// Init (re)configures the default logger's format and minimum severity. It
// mirrors gcsfuse's mount-time call to set up logging from parsed config.
func Init(format string, severity Severity) {
	defaultFactory.format = format
	defaultFactory.level.Set(severity.slogLevel())
	defaultLogger = slog.New(defaultFactory.createHandler(os.Stderr))
}

// SetOutput redirects the default logger, used by tests.
func SetOutput(w io.Writer) {
	defaultLogger = slog.New(defaultFactory.createHandler(w))
}

func Tracef(format string, v ...interface{}) { logAt(slogLevelTrace, format, v...) }
func Debugf(format string, v ...interface{}) { logAt(slogLevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { logAt(slog.LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { logAt(slog.LevelWarn, format, v...) }
func Errorf(format string, v ...interface{}) { logAt(slog.LevelError, format, v...) }

func logAt(level slog.Level, format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}
