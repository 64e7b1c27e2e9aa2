// Package utils holds small helpers shared by the kanshou commands.
package utils

import "go.uber.org/zap"

// NewLogger returns a zap logger tagged with the kanshou service name. When
// debug is true it uses the development config (console, debug level);
// otherwise the production config (JSON, info level).
func NewLogger(debug bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "kanshou")), nil
}

// MustLogger is NewLogger that falls back to a no-op logger.
func MustLogger(debug bool) *zap.Logger {
	logger, err := NewLogger(debug)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
