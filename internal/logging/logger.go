package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a structured logger. Production mode emits JSON with a
// "timestamp" key; development mode emits human readable console lines.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with the operation name and any
// identifiers relevant to it. Empty string fields are dropped.
func WithOperation(logger *zap.Logger, operation string, fields ...zap.Field) *zap.Logger {
	all := make([]zap.Field, 0, len(fields)+1)
	all = append(all, zap.String("operation", operation))
	for _, f := range fields {
		if f.Type == zapcore.StringType && f.String == "" {
			continue
		}
		all = append(all, f)
	}
	return logger.With(all...)
}
