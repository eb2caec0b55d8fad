// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides leveled printf-style logging. Components receive a *Logger in their
// constructors; the package-level functions use the default logger set by Init.
type Logger struct {
	sugar *zap.SugaredLogger
	base  *zap.Logger
}

var defaultLogger = Nop()

// New builds a logger with the specified level and format ("json" or "text").
func New(level string, format string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.Sampling = nil
	if strings.ToLower(format) == "text" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{sugar: base.Sugar(), base: base}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	base := zap.NewNop()
	return &Logger{sugar: base.Sugar(), base: base}
}

// Init initializes the default logger with the specified level and format.
// An invalid configuration falls back to a development logger on stderr.
func Init(level string, format string) *Logger {
	l, err := New(level, format)
	if err != nil {
		base, _ := zap.NewDevelopment(zap.AddCallerSkip(1))
		l = &Logger{sugar: base.Sugar(), base: base}
	}
	defaultLogger = l
	return l
}

// Default returns the logger configured by Init.
func Default() *Logger {
	return defaultLogger
}

// With returns a child logger that adds the key/value pairs to every entry.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(args...), base: l.base}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

func Debug(format string, args ...interface{}) {
	defaultLogger.sugar.WithOptions(zap.AddCallerSkip(1)).Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.sugar.WithOptions(zap.AddCallerSkip(1)).Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.sugar.WithOptions(zap.AddCallerSkip(1)).Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.sugar.WithOptions(zap.AddCallerSkip(1)).Errorf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.sugar.WithOptions(zap.AddCallerSkip(1)).Errorf("[FATAL] "+format, args...)
	_ = defaultLogger.Sync()
	os.Exit(1)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
