package log

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface shared by the bridge packages.
// *zap.SugaredLogger satisfies it.
type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Info(args ...interface{})
	Debug(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
}

var _ Logger = (*zap.SugaredLogger)(nil)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// File receives the log lines. Empty means stderr.
	File string
	// Development enables caller annotations and stack traces on warnings.
	Development bool
}

// New builds a zap-backed logger. Output never goes to stdout: the proxy
// uses stdout for the stdio protocol stream.
func New(opts Options) (*zap.SugaredLogger, error) {
	level := zap.NewAtomicLevel()
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	output := "stderr"
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		output = opts.File
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	cfg := zap.Config{
		Level:             level,
		Development:       opts.Development,
		DisableCaller:     !opts.Development,
		DisableStacktrace: !opts.Development,
		Encoding:          "console",
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{output},
		ErrorOutputPaths:  []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
