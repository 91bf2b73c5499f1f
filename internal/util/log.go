package util

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

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

var logLevels = map[string]pterm.LogLevel{
	"debug":   pterm.LogLevelDebug,
	"info":    pterm.LogLevelInfo,
	"warn":    pterm.LogLevelWarn,
	"warning": pterm.LogLevelWarn,
	"error":   pterm.LogLevelError,
	"none":    pterm.LogLevelDisabled,
}

// ParseLevel maps a level name (debug, info, warn, error, none) to pterm's.
func ParseLevel(level string) (pterm.LogLevel, error) {
	l, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return pterm.LogLevelInfo, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// SetLevel sets the minimum level that gets printed.
func SetLevel(level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	pterm.DefaultLogger.Level = l
	return nil
}
