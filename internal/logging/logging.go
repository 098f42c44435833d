// Package logging builds the structured logger every jobcore component
// shares: a single *logrus.Logger with a JSON formatter, level
// configurable at startup.
package logging

import (
	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger at the given level (any name accepted by
// logrus.ParseLevel — "debug", "info", "warn", "error", ...), falling back
// to info on an unrecognized level rather than failing startup.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}
