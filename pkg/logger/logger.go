// Package logger is the structured logging layer: a Logger interface backed
// by logrus, configured from the log section of the CLI configuration.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract every component receives.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	WithComponent(component string) Logger
}

// Fields are structured key-value pairs attached to a log line.
type Fields map[string]interface{}

// Config is the log section of the configuration.
type Config struct {
	Level            Level  `json:"level" mapstructure:"level"`
	Format           Format `json:"format" mapstructure:"format"`
	Output           Output `json:"output" mapstructure:"output"`
	File             string `json:"file,omitempty" mapstructure:"file"`
	DisableTimestamp bool   `json:"disable_timestamp,omitempty" mapstructure:"disable_timestamp"`
	CallerInfo       bool   `json:"caller_info,omitempty" mapstructure:"caller_info"`
}

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Format string

const (
	JSONFormat Format = "json"
	TextFormat Format = "text"
)

type Output string

const (
	StdoutOutput Output = "stdout"
	StderrOutput Output = "stderr"
	FileOutput   Output = "file"
)

// entryLogger promotes the leveled methods of the logrus entry and wraps
// the With* methods so fields survive chaining.
type entryLogger struct {
	*logrus.Entry
}

// NewLogger creates a logger writing to the configured output.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger configuration: %w", err)
	}

	w, err := openOutput(config)
	if err != nil {
		return nil, fmt.Errorf("failed to set log output: %w", err)
	}
	return NewWithWriter(config, w)
}

// NewWithWriter builds a logger that writes to w regardless of config.Output.
func NewWithWriter(config *Config, w io.Writer) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	level, err := logrus.ParseLevel(string(config.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(w)
	l.SetFormatter(formatter(config))
	l.SetReportCaller(config.CallerInfo)
	return entryLogger{logrus.NewEntry(l)}, nil
}

// DefaultConfig logs info and above as text on stderr, keeping stdout free
// for reports.
func DefaultConfig() *Config {
	return &Config{Level: InfoLevel, Format: TextFormat, Output: StderrOutput}
}

// DebugConfig adds debug lines and caller information.
func DebugConfig() *Config {
	return &Config{Level: DebugLevel, Format: TextFormat, Output: StderrOutput, CallerInfo: true}
}

func (c *Config) Validate() error {
	switch c.Level {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	switch c.Format {
	case JSONFormat, TextFormat:
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}
	switch c.Output {
	case StdoutOutput, StderrOutput:
	case FileOutput:
		if strings.TrimSpace(c.File) == "" {
			return fmt.Errorf("log file path is required for file output")
		}
	default:
		return fmt.Errorf("invalid log output: %s", c.Output)
	}
	return nil
}

func openOutput(config *Config) (io.Writer, error) {
	switch config.Output {
	case StdoutOutput:
		return os.Stdout, nil
	case FileOutput:
		if err := os.MkdirAll(filepath.Dir(config.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return f, nil
	default:
		return os.Stderr, nil
	}
}

func callerLocation(f *runtime.Frame) string {
	return fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func formatter(config *Config) logrus.Formatter {
	if config.Format == JSONFormat {
		return &logrus.JSONFormatter{
			DisableTimestamp: config.DisableTimestamp,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				return f.Function + "()", callerLocation(f)
			},
		}
	}
	return &logrus.TextFormatter{
		DisableTimestamp: config.DisableTimestamp,
		FullTimestamp:    !config.DisableTimestamp,
		TimestampFormat:  time.DateTime,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", callerLocation(f)
		},
	}
}

func (l entryLogger) WithField(key string, value interface{}) Logger {
	return entryLogger{l.Entry.WithField(key, value)}
}

func (l entryLogger) WithFields(fields Fields) Logger {
	return entryLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l entryLogger) WithError(err error) Logger {
	return entryLogger{l.Entry.WithError(err)}
}

func (l entryLogger) WithComponent(component string) Logger {
	return l.WithField("component", component)
}

var globalLogger Logger = mustDefault()

func mustDefault() Logger {
	l, err := NewLogger(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return l
}

// SetGlobalLogger replaces the logger components fall back to when none is
// configured.
func SetGlobalLogger(l Logger) {
	globalLogger = l
}

// GetGlobalLogger returns the fallback logger.
func GetGlobalLogger() Logger {
	return globalLogger
}

// Discard returns a logger that drops everything, for tests.
func Discard() Logger {
	l, _ := NewWithWriter(&Config{Level: ErrorLevel, Format: TextFormat}, io.Discard)
	return l
}
