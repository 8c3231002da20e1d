package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to stderr at the given level string.
func New(level string) (logr.Logger, error) {
	zapLevel, development, err := parseLevel(level)
	if err != nil {
		return logr.Logger{}, err
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("build logger: %w", err)
	}
	return zapr.NewLogger(logger), nil
}

// NewFile returns a logger appending to the given file path plus a flush
// function the caller must invoke on shutdown.
func NewFile(level, path string) (logr.Logger, func(), error) {
	zapLevel, _, err := parseLevel(level)
	if err != nil {
		return logr.Logger{}, nil, err
	}
	sink, closeSink, err := zap.Open(path)
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, zap.NewAtomicLevelAt(zapLevel))
	logger := zap.New(core)
	flush := func() {
		_ = logger.Sync()
		closeSink()
	}
	return zapr.NewLogger(logger), flush, nil
}

func parseLevel(level string) (zapcore.Level, bool, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, true, nil
	case "info", "":
		return zapcore.InfoLevel, false, nil
	case "warn", "warning":
		return zapcore.WarnLevel, false, nil
	case "error":
		return zapcore.ErrorLevel, false, nil
	default:
		return zapcore.InfoLevel, false, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
}
