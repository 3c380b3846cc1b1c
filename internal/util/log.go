// Package util provides process-wide logging and link statistics.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

// logger backs the leveled helpers below. It writes to stderr and stays
// at info level unless SetVerbose raises it.
var logger = pterm.DefaultLogger.
	WithTime(true).
	WithTimeFormat("02 Jan 15:04:05").
	WithMaxWidth(1000)

// SetVerbose switches the logger to debug level, enabling per-frame and
// per-packet messages.
func SetVerbose(on bool) {
	if on {
		logger = logger.WithLevel(pterm.LogLevelDebug)
	}
}

func LogDebug(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}
