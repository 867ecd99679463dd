// Package logging builds the service's zap logger from configuration.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the logger
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console

	// File, when set, adds a rotating JSON file sink next to stderr
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns info-level JSON logging to stderr
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		MaxSizeMB:  100,
		MaxAgeDays: 30,
		MaxBackups: 10,
	}
}

// ParseLevel maps a level name to a zap level; unknown names mean info
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger. The returned close func flushes and closes the file
// sink, if any.
func New(cfg Config) (*zap.Logger, func() error, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, nil, err
	}
	if cfg.File == "" {
		return logger, func() error { return ignoreSyncErr(logger.Sync()) }, nil
	}

	rotator, err := NewRotatingFile(cfg.File, cfg.MaxSizeMB, cfg.MaxAgeDays, cfg.MaxBackups)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level)

	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))

	return logger, func() error {
		_ = ignoreSyncErr(logger.Sync())
		return rotator.Close()
	}, nil
}

// NewRotatingFile opens a size-rotated, compressed log file
func NewRotatingFile(filename string, maxSizeMB, maxAgeDays, maxBackups int) (*lumberjack.Logger, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		LocalTime:  true,
		Compress:   true, // Compress rotated files
	}, nil
}

// stderr cannot be synced on some platforms
func ignoreSyncErr(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*os.PathError); ok && pe.Path == "/dev/stderr" {
		return nil
	}
	return err
}
