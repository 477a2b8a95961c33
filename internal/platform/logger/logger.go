// Package logger wraps a zap sugared logger with key/value redaction.
// The Logger satisfies the Temporal SDK log.Logger interface, so the same
// instance serves the HTTP process, the worker and every activity logger.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured logger backed by zap.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a logger for the given mode ("prod"/"production" or anything else for development).
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zapLogger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keyvals ...any) {
	l.SugaredLogger.Debugw(msg, sanitizeKVs(keyvals)...)
}

func (l *Logger) Info(msg string, keyvals ...any) {
	l.SugaredLogger.Infow(msg, sanitizeKVs(keyvals)...)
}

func (l *Logger) Warn(msg string, keyvals ...any) {
	l.SugaredLogger.Warnw(msg, sanitizeKVs(keyvals)...)
}

func (l *Logger) Error(msg string, keyvals ...any) {
	l.SugaredLogger.Errorw(msg, sanitizeKVs(keyvals)...)
}

func (l *Logger) Fatal(msg string, keyvals ...any) {
	l.SugaredLogger.Fatalw(msg, sanitizeKVs(keyvals)...)
}

// With returns a child logger carrying the given fields on every entry.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(sanitizeKVs(keyvals)...)}
}
