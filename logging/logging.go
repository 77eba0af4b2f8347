// Package logging package contains functionality for slotwatch logging.
package logging

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes where and how a root logger writes.
type Config struct {
	Level    string `json:"level"`
	Encoding string `json:"encoding"`
	// File, when set, adds a size-rotated file output next to stdout.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	// Levels override Level for the loggers they match. Later entries win.
	Levels []LoggerPatternConfig `json:"levels"`
}

// NewZapEncoderConfig returns the encoder config shared by every appender.
func NewZapEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewStdoutAppender returns an appender that writes console-encoded logs to stdout.
func NewStdoutAppender() Appender {
	return zapcore.NewCore(zapcore.NewConsoleEncoder(NewZapEncoderConfig()), zapcore.Lock(os.Stdout), zapcore.DebugLevel)
}

// NewJSONAppender returns an appender that writes one json object per line to stdout.
func NewJSONAppender() Appender {
	return zapcore.NewCore(zapcore.NewJSONEncoder(NewZapEncoderConfig()), zapcore.Lock(os.Stdout), zapcore.DebugLevel)
}

// NewFileAppender returns an appender that writes json logs to a rotated file.
func NewFileAppender(path string, maxSizeMB, maxBackups int) Appender {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(NewZapEncoderConfig()), zapcore.AddSync(writer), zapcore.DebugLevel)
}

// NewLogger returns a new logger that outputs Info+ logs to stdout in UTC.
func NewLogger(name string) Logger {
	const inUTC = true
	return &impl{name: name, level: NewAtomicLevelAt(INFO), inUTC: inUTC, appenders: []Appender{NewStdoutAppender()}}
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stdout in UTC.
func NewDebugLogger(name string) Logger {
	const inUTC = true
	return &impl{name: name, level: NewAtomicLevelAt(DEBUG), inUTC: inUTC, appenders: []Appender{NewStdoutAppender()}}
}

// NewBlankLogger returns a new logger that outputs Debug+ logs in UTC, but without any
// pre-existing appenders/outputs.
func NewBlankLogger(name string) Logger {
	const inUTC = true
	return &impl{name: name, level: NewAtomicLevelAt(DEBUG), inUTC: inUTC, appenders: []Appender{}}
}

// NewLoggerFromConfig builds the root logger of the process.
func NewLoggerFromConfig(name string, cfg Config) (Logger, error) {
	level := INFO
	if cfg.Level != "" {
		var err error
		if level, err = LevelFromString(cfg.Level); err != nil {
			return nil, err
		}
	}

	const inUTC = true
	registry := newRegistry()
	logger := &impl{name: name, level: NewAtomicLevelAt(level), inUTC: inUTC, registry: registry}
	registry.getOrRegister(name, logger)
	if err := registry.update(cfg.Levels); err != nil {
		return nil, err
	}
	switch cfg.Encoding {
	case "json":
		logger.AddAppender(NewJSONAppender())
	default:
		logger.AddAppender(NewStdoutAppender())
	}
	if cfg.File != "" {
		logger.AddAppender(NewFileAppender(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups))
	}
	return logger, nil
}

// NewTestLogger returns a new logger that outputs Debug+ logs to stdout in local time.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also saves logs to an in memory observer.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	const inUTC = false
	logger := &impl{name: "", level: NewAtomicLevelAt(DEBUG), inUTC: inUTC, appenders: []Appender{}}
	logger.AddAppender(NewTestAppender(tb))

	observerCore, observedLogs := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	logger.AddAppender(observerCore)

	return logger, observedLogs
}
