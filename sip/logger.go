package sip

import "log/slog"

var defLogger *slog.Logger

// SetDefaultLogger installs the logger every component falls back to.
// Call before any other use of the package.
func SetDefaultLogger(l *slog.Logger) {
	defLogger = l
}

func DefaultLogger() *slog.Logger {
	if defLogger != nil {
		return defLogger
	}
	return slog.Default()
}
