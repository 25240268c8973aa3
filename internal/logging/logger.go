package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerFactory provides centralized logger creation
type LoggerFactory struct {
	config     Config
	level      zap.AtomicLevel
	rootLogger *zap.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// Config contains logging configuration
type Config struct {
	// OutputPath is a file path, or "stdout" or "stderr".
	OutputPath string `yaml:"output_path"`
	Level      string `yaml:"level"`
	// Encoding is json or console.
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`

	// Rotation settings
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`

	DisableCaller     bool `yaml:"disable_caller"`
	DisableStacktrace bool `yaml:"disable_stacktrace"`
	Sampling          bool `yaml:"sampling"`
	IncludeHost       bool `yaml:"include_host"`
}

// DefaultConfig returns default logging configuration
func DefaultConfig() Config {
	return Config{
		OutputPath: "stderr",
		Level:      "info",
		Encoding:   "console",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// NewLoggerFactory creates a new logger factory
func NewLoggerFactory(config Config, fields ...zap.Field) (*LoggerFactory, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	if isFile(config.OutputPath) {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	core := buildCore(config, atomicLevel)
	rootLogger := zap.New(core, buildOptions(config, fields)...)

	return &LoggerFactory{
		config:     config,
		level:      atomicLevel,
		rootLogger: rootLogger,
		loggers:    make(map[string]*zap.Logger),
	}, nil
}

// Logger returns the root logger.
func (f *LoggerFactory) Logger() *zap.Logger {
	return f.rootLogger
}

// GetLogger returns a named logger for the specified module
func (f *LoggerFactory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	// Double-check after acquiring write lock
	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)
	f.loggers[module] = logger
	return logger
}

// SetLevel changes the level of every logger created by the factory.
func (f *LoggerFactory) SetLevel(level string) error {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if f.level.Level() != l {
		f.level.SetLevel(l)
		f.rootLogger.Info("Log level changed", zap.Stringer("level", l))
	}
	return nil
}

// Level returns the current level.
func (f *LoggerFactory) Level() zapcore.Level {
	return f.level.Level()
}

// Sync flushes the logger. Errors from syncing a terminal are ignored.
func (f *LoggerFactory) Sync() error {
	if err := f.rootLogger.Sync(); err != nil && isFile(f.config.OutputPath) {
		return err
	}
	return nil
}

func isFile(path string) bool {
	return path != "" && path != "stdout" && path != "stderr"
}

// buildEncoderConfig builds the encoder configuration
func buildEncoderConfig(config Config) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Encoding != "json" && !isFile(config.OutputPath) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}
	if config.DisableStacktrace {
		encoderConfig.StacktraceKey = zapcore.OmitKey
	}

	return encoderConfig
}

// buildCore builds the logger core
func buildCore(config Config, level zap.AtomicLevel) zapcore.Core {
	encoderConfig := buildEncoderConfig(config)

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writer zapcore.WriteSyncer
	switch config.OutputPath {
	case "stdout":
		writer = zapcore.Lock(os.Stdout)
	case "", "stderr":
		writer = zapcore.Lock(os.Stderr)
	default:
		// File output with rotation
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		})
		if config.Development {
			writer = zapcore.NewMultiWriteSyncer(writer, zapcore.Lock(os.Stderr))
		}
	}

	core := zapcore.NewCore(encoder, writer, level)

	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(
			core,
			time.Second,
			100, // first 100 messages per second
			10,  // thereafter 10 messages per second
		)
	}

	return core
}

// buildOptions builds logger options
func buildOptions(config Config, fields []zap.Field) []zap.Option {
	options := []zap.Option{}

	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}
	if !config.DisableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if config.Development {
		options = append(options, zap.Development())
	}

	if config.IncludeHost {
		if hostname, err := os.Hostname(); err == nil {
			fields = append(fields, zap.String("host", hostname))
		}
	}
	if len(fields) > 0 {
		options = append(options, zap.Fields(fields...))
	}

	return options
}

// WithDevice adds device context
func WithDevice(logger *zap.Logger, index int, name string) *zap.Logger {
	return logger.With(
		zap.Int("device", index),
		zap.String("name", name),
	)
}
