// Package logging builds the process-wide zap logger, extracted from the
// reference storage node's cmd/storage/main.go initLogger().
package logging

import "go.uber.org/zap"

// New builds a production zap logger at the given level ("debug", "info",
// "warn", "error"); unrecognized levels fall back to info.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = parseLevel(level)
	return cfg.Build()
}

func parseLevel(level string) zap.AtomicLevel {
	var l zap.AtomicLevel
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return l
}
