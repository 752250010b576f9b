package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	Logger, _ = cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
}

// SetDebug switches the global logger between info and debug level.
func SetDebug(debug bool) {
	if debug {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

// ReplaceCore swaps the logger core and returns a function restoring the previous logger.
// Used by tests to capture log output.
func ReplaceCore(core zapcore.Core) func() {
	prev := Logger
	Logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return func() { Logger = prev }
}

// With attaches fields to every subsequent log line and returns a function removing them.
func With(fields ...zap.Field) func() {
	prev := Logger
	Logger = Logger.With(fields...)
	return func() { Logger = prev }
}

func Sync() {
	_ = Logger.Sync()
}

func Info(msg string, fields ...zap.Field) {
	Logger.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Logger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Logger.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	Logger.Debug(msg, fields...)
}
