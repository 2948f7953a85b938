package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap logger to the Logger interface.
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger wraps the provided zap logger. A nil logger yields a
// production-configured one.
func NewZapLogger(base *zap.Logger) *ZapLogger {
	if base == nil {
		base, _ = zap.NewProduction()
	}
	return &ZapLogger{base: base}
}

// NewDevelopmentLogger builds a console-friendly logger for local runs.
func NewDevelopmentLogger() *ZapLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	base, err := cfg.Build()
	if err != nil {
		base = zap.NewNop()
	}
	return &ZapLogger{base: base}
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, convert(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.base.Info(msg, convert(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.base.Warn(msg, convert(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, convert(fields)...) }

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error { return l.base.Sync() }

func convert(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
