// Copyright (C) 2025 pod-healer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package logger

import (
	"log"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap core behind a printf-style API with a configurable
// level and an optional component prefix.
type Logger struct {
	sugar *zap.SugaredLogger
	base  *zap.Logger
	level zap.AtomicLevel
}

// Global logger instance
var Global *Logger

// NewLogger creates a new logger with the specified level and prefix.
func NewLogger(levelStr string, prefix string) *Logger {
	return newLogger(zapcore.Lock(os.Stdout), levelStr, prefix, useColor())
}

// Init initializes the global logger
func Init(levelStr string) {
	Global = NewLogger(levelStr, "")
}

// newLogger builds the zap core. Split out so tests can capture output.
func newLogger(sink zapcore.WriteSyncer, levelStr string, prefix string, color bool) *Logger {
	level := zap.NewAtomicLevelAt(parseLogLevel(levelStr))

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05"),
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeName:     func(name string, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString("[" + name + "]") },
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	if color {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	base := zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level))
	if prefix != "" {
		base = base.Named(prefix)
	}

	return &Logger{
		sugar: base.Sugar(),
		base:  base,
		level: level,
	}
}

// parseLogLevel converts a string log level to a zap level
func parseLogLevel(levelStr string) zapcore.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// useColor reports whether log output goes to a terminal. FORCE_LOG_COLOR=1
// overrides the check for tests and forced CI rendering.
func useColor() bool {
	if os.Getenv("FORCE_LOG_COLOR") == "1" {
		return true
	}
	if fileInfo, _ := os.Stdout.Stat(); fileInfo != nil && (fileInfo.Mode()&os.ModeCharDevice) != 0 {
		return true
	}
	return false
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Success logs a success message at info level; kept as its own verb so
// lifecycle call sites read naturally.
func (l *Logger) Success(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// SetLevel changes the log level
func (l *Logger) SetLevel(levelStr string) {
	l.level.SetLevel(parseLogLevel(levelStr))
}

// WithPrefix creates a new logger with a prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	named := l.base.Named(prefix)
	return &Logger{
		sugar: named.Sugar(),
		base:  named,
		level: l.level,
	}
}

// Logr exposes the logger through the logr interface so client-go and
// controller-runtime logging can be routed through the same core.
func (l *Logger) Logr() logr.Logger {
	return zapr.NewLogger(l.base)
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// Global logging functions that use the global logger

// Debug logs a debug message using the global logger
func Debug(format string, args ...interface{}) {
	if Global != nil {
		Global.Debug(format, args...)
	} else {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Info logs an info message using the global logger
func Info(format string, args ...interface{}) {
	if Global != nil {
		Global.Info(format, args...)
	} else {
		log.Printf("[INFO] "+format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(format string, args ...interface{}) {
	if Global != nil {
		Global.Warn(format, args...)
	} else {
		log.Printf("[WARN] "+format, args...)
	}
}

// Error logs an error message using the global logger
func Error(format string, args ...interface{}) {
	if Global != nil {
		Global.Error(format, args...)
	} else {
		log.Printf("[ERROR] "+format, args...)
	}
}

// Success logs a success message using the global logger
func Success(format string, args ...interface{}) {
	if Global != nil {
		Global.Success(format, args...)
	} else {
		log.Printf("[SUCCESS] "+format, args...)
	}
}

// Sync flushes the global logger if one is set.
func Sync() {
	if Global != nil {
		_ = Global.Sync()
	}
}

// GetLogger returns the global logger instance, creating it if necessary
func GetLogger() *Logger {
	if Global == nil {
		Global = NewLogger("info", "")
	}
	return Global
}
