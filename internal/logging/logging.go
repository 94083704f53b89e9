// Package logging wraps zap.Logger as an explicit, constructor-injected
// dependency. Nothing here is a package-level singleton: callers build one
// Logger in main and pass it down to every component that needs it.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin, structured logger. It exists so component constructors
// depend on this package's narrow surface rather than on zap directly,
// matching the "logger, token cache" singleton prohibition.
type Logger struct {
	z *zap.Logger
}

// New builds a production (JSON-encoded) Logger at the given level.
func New(level string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewDevelopment builds a console-encoded Logger suited to local runs.
func NewDevelopment() *Logger {
	z, _ := zap.NewDevelopment()
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything, for tests that don't care.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// With returns a child Logger carrying the given structured fields on every
// subsequent call, e.g. logger.With(Account(email), Model(modelID)).
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries; call on shutdown.
func (l *Logger) Sync() error { return l.z.Sync() }

// Account and Model are the two fields nearly every dispatcher/resolver log
// line carries, kept here so call sites don't repeat the field names.
func Account(email string) zap.Field { return zap.String("account", email) }
func Model(modelID string) zap.Field { return zap.String("model", modelID) }
func Err(err error) zap.Field        { return zap.Error(err) }
