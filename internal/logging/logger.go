package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel  // Minimum log level to output
	Format LogFormat // Output format (json or text)
	Output io.Writer // Output destination (defaults to stderr)
	Quiet  bool      // If true, suppress debug and info output
}

// Logger wraps slog.Logger with the run's domain events.
// Passwords, passphrases and key material are never passed to it.
type Logger struct {
	logger *slog.Logger
	config Config
}

// NewLogger creates a new logger instance
func NewLogger(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: convertLogLevel(config.Level),
	}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

// Discard returns a logger that drops everything. Used by tests and as the
// zero-value fallback of components constructed without a logger.
func Discard() *Logger {
	return NewLogger(Config{Output: io.Discard, Level: LevelError})
}

func convertLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.Debug(msg, args...)
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.Info(msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// LogHostSkipped logs a host list entry that failed validation
func (l *Logger) LogHostSkipped(source string, line int, value string) {
	l.Warn("invalid host address ignored",
		"source", source,
		"line", line,
		"value", value,
	)
}

// LogHostsLoaded logs host list loading information
func (l *Logger) LogHostsLoaded(source string, count int, skipped int) {
	l.Info("host list loaded",
		"source", source,
		"count", count,
		"skipped", skipped,
	)
}

// LogTrustDecision logs the run-wide trust decision
func (l *Logger) LogTrustDecision(unknown []string, override bool, accepted bool) {
	l.Info("host trust resolved",
		"unknown_hosts", len(unknown),
		"override", override,
		"accept_unknown", accepted,
	)
}

// LogUnknownHostKey logs a host key accepted without verification
func (l *Logger) LogUnknownHostKey(hostname string, fingerprint string, persisted bool) {
	l.Warn("accepting unverified host key",
		"host", hostname,
		"fingerprint", fingerprint,
		"persisted", persisted,
	)
}

// LogAuthStrategy logs which authentication strategy the run uses
func (l *Logger) LogAuthStrategy(method string, identityFile string) {
	args := []any{"method", method}
	if identityFile != "" {
		args = append(args, "identity_file", identityFile)
	}
	l.Info("authentication strategy selected", args...)
}

// LogSessionOpened logs a successfully opened interactive shell
func (l *Logger) LogSessionOpened(host string, user string, port int, duration time.Duration) {
	l.Info("ssh shell opened",
		"host", host,
		"user", user,
		"port", port,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogSessionError logs a per-host session failure
func (l *Logger) LogSessionError(host string, user string, port int, errorType string, err error) {
	l.Error("ssh session failed",
		"host", host,
		"user", user,
		"port", port,
		"error_type", errorType,
		"error", err.Error(),
	)
}

// LogCommandSent logs one send/settle/read cycle
func (l *Logger) LogCommandSent(host string, index int, bytesRead int) {
	l.Debug("command cycle completed",
		"host", host,
		"index", index,
		"bytes_read", bytesRead,
	)
}

// LogDispatchStart logs the start of the fan-out
func (l *Logger) LogDispatchStart(hostCount int, workers int) {
	l.Info("dispatch started",
		"host_count", hostCount,
		"workers", workers,
	)
}

// LogDispatchComplete logs the completion of the fan-out
func (l *Logger) LogDispatchComplete(hostCount int, successCount int, failureCount int, duration time.Duration) {
	l.Info("dispatch completed",
		"host_count", hostCount,
		"success_count", successCount,
		"failure_count", failureCount,
		"total_duration_ms", duration.Milliseconds(),
	)
}

// LogConfigLoad logs configuration loading events
func (l *Logger) LogConfigLoad(source string) {
	l.Debug("configuration loaded",
		"source", source,
	)
}

// IsQuiet returns whether the logger is in quiet mode
func (l *Logger) IsQuiet() bool {
	return l.config.Quiet
}

// NewLoggerFromConfig creates a logger from application configuration
func NewLoggerFromConfig(logLevel, logFormat string, quiet bool) *Logger {
	level := LogLevel(logLevel)
	switch level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		level = LevelInfo
	}

	format := LogFormat(logFormat)
	if format != FormatJSON {
		format = FormatText
	}

	return NewLogger(Config{
		Level:  level,
		Format: format,
		Quiet:  quiet,
	})
}
