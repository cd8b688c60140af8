package logger

import (
	"os"
	"sync/atomic"
)

var defLogger atomic.Pointer[Logger]

func init() {
	l := NewSlog(ParseLevel(os.Getenv("LOG_LEVEL")), false)
	defLogger.Store(&l)
}

func Debug(msg string, keysAndValues ...any) {
	GetLogger().Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	GetLogger().Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	GetLogger().Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	GetLogger().Error(msg, keysAndValues...)
}

func Fatal(msg string, keysAndValues ...any) {
	GetLogger().Fatal(msg, keysAndValues...)
}

// SetLevel changes the level of the default logger.
func SetLevel(level Level) {
	GetLogger().SetLevel(level)
}

// GetLogger returns the process-wide default logger.
//
// Components capture it when they are created, so SetLogger only affects
// components created afterwards.
func GetLogger() Logger {
	return *defLogger.Load()
}

// SetLogger replaces the process-wide default logger. A nil logger is ignored.
func SetLogger(l Logger) {
	if l != nil {
		defLogger.Store(&l)
	}
}

// With returns a child of the default logger carrying keyValues.
func With(keyValues ...any) Logger {
	return GetLogger().With(keyValues...)
}
