// Package logging builds the zap logger that bootstrap hands to every component.
package logging

import (
	"fmt"
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Logger pairs a logger with the level handle that controls it.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New builds a logger from cfg. An empty or unknown level means info.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	switch cfg.Format {
	case "console", "":
		config = zap.NewDevelopmentConfig()
		config.Development = false
	case "json":
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	atomic := zap.NewAtomicLevelAt(level)
	config.Level = atomic
	config.OutputPaths = []string{"stderr"}
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return &Logger{Logger: logger, level: atomic}, nil
}

// SetLevel changes the level at runtime. Unknown levels are ignored.
func (l *Logger) SetLevel(level string) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return
	}
	l.level.SetLevel(lvl)
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// StdLogger adapts the logger for libraries that want a *log.Logger, such as the
// go-fuse debug output.
func (l *Logger) StdLogger(name string) *log.Logger {
	return zap.NewStdLog(l.Named(name))
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
