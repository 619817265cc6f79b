package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a named zap logger shared by every component of the exchange
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
	name  string
}

func (log *Logger) GetName() string {
	return log.name
}

func (log *Logger) GetLevelString() string {
	return log.level.String()
}

// SetLevel changes the level of this logger and every logger derived from it
func (log *Logger) SetLevel(level zapcore.Level) {
	log.level.SetLevel(level)
}

func (log *Logger) Named(name string) *Logger {
	newName := name
	if log.name != "" {
		newName = fmt.Sprintf("%s.%s", log.name, name)
	}
	return &Logger{
		Logger: log.Logger.Named(name),
		level:  log.level,
		name:   newName,
	}
}

func (log *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		Logger: log.Logger.With(fields...),
		level:  log.level,
		name:   log.name,
	}
}

// AtExit flushes buffered entries. Meant to be deferred right after the
// logger is built.
func (log *Logger) AtExit() {
	if log.Logger != nil {
		log.Logger.Sync()
	}
}

// New builds a logger writing to stdout and, when File.Path is set, to a
// rotated log file.
func New(cfg Config) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Environment == "dev" {
		level.SetLevel(zapcore.DebugLevel)
	}
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var sinks []io.Writer
	sinks = append(sinks, os.Stdout)
	if cfg.File.Path != "" {
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}

	core := zapcore.NewCore(newEncoder(cfg.Environment), zapcore.AddSync(io.MultiWriter(sinks...)), level)
	return &Logger{
		Logger: zap.New(core, zap.AddCaller()),
		level:  level,
	}, nil
}

// NewLoggerFromEnv builds a stdout-only logger for the given environment
func NewLoggerFromEnv(env string) *Logger {
	log, err := New(Config{Environment: env})
	if err != nil {
		panic(err)
	}
	return log
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// NewFromCore wraps an existing core, mostly for tests observing output
func NewFromCore(core zapcore.Core) *Logger {
	return &Logger{Logger: zap.New(core), level: zap.NewAtomicLevel()}
}

func newEncoder(env string) zapcore.Encoder {
	if env == "dev" {
		return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			CallerKey:      "C",
			EncodeCaller:   zapcore.ShortCallerEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			LevelKey:       "L",
			LineEnding:     "\n",
			MessageKey:     "M",
			NameKey:        "N",
			TimeKey:        "T",
		})
	}
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		CallerKey:      "caller",
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		LevelKey:       "level",
		LineEnding:     "\n",
		MessageKey:     "message",
		NameKey:        "logger",
		StacktraceKey:  "stacktrace",
		TimeKey:        "@timestamp",
	})
}
