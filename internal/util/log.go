package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
	pterm.DefaultLogger.Writer = os.Stderr
}

// Leveled logging functions backed by pterm's default logger.
// Output goes to stderr unless LogToFile adds a rotating file sink.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// ParseLogLevel maps a config level name, case-insensitively, onto a pterm
// level.
func ParseLogLevel(level string) (pterm.LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return pterm.LogLevelTrace, true
	case "debug":
		return pterm.LogLevelDebug, true
	case "info":
		return pterm.LogLevelInfo, true
	case "warn", "warning":
		return pterm.LogLevelWarn, true
	case "error":
		return pterm.LogLevelError, true
	}
	return 0, false
}

// SetLogLevel applies a config level name to the logger. Unknown names leave
// the level untouched.
func SetLogLevel(level string) {
	if l, ok := ParseLogLevel(level); ok {
		pterm.DefaultLogger.Level = l
	}
}

// LogToFile tees all logger output into a size-rotated file. The returned
// closer releases the file; stderr output is kept.
func LogToFile(path string, maxSizeMB, maxBackups int) io.Closer {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    max(maxSizeMB, 1),
		MaxBackups: max(maxBackups, 1),
		Compress:   true,
	}
	pterm.DefaultLogger.Writer = io.MultiWriter(os.Stderr, sink)
	return sink
}
