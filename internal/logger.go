package internal

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

const serviceName = "clash-core"

type Logger struct {
	level       LogLevel
	service     string
	environment string
	zl          zerolog.Logger
}

func NewLogger(cfg *Config) *Logger {
	return NewLoggerTo(os.Stdout, cfg)
}

func NewLoggerTo(w io.Writer, cfg *Config) *Logger {
	return newLoggerTo(w, LogLevel(cfg.LogLevel), cfg.AppEnv)
}

func newLoggerTo(w io.Writer, level LogLevel, environment string) *Logger {
	if level == "" {
		level = LogLevelInfo
	}
	zlLevel, err := zerolog.ParseLevel(string(level))
	if err != nil || zlLevel == zerolog.NoLevel {
		level = LogLevelInfo
		zlLevel = zerolog.InfoLevel
	}

	zl := zerolog.New(w).
		Level(zlLevel).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("environment", environment).
		Logger()

	return &Logger{
		level:       level,
		service:     serviceName,
		environment: environment,
		zl:          zl,
	}
}

// NopLogger discards everything; used where a logger is optional.
func NopLogger() *Logger {
	return newLoggerTo(io.Discard, LogLevelError, "")
}

func (l *Logger) shouldLog(level LogLevel) bool {
	levels := map[LogLevel]int{
		LogLevelDebug: 0,
		LogLevelInfo:  1,
		LogLevelWarn:  2,
		LogLevelError: 3,
	}
	return levels[level] >= levels[l.level]
}

func (l *Logger) Debug(message string) *LogBuilder {
	return l.newBuilder(LogLevelDebug, l.zl.Debug(), message)
}

func (l *Logger) Info(message string) *LogBuilder {
	return l.newBuilder(LogLevelInfo, l.zl.Info(), message)
}

func (l *Logger) Warn(message string) *LogBuilder {
	return l.newBuilder(LogLevelWarn, l.zl.Warn(), message)
}

func (l *Logger) Error(message string) *LogBuilder {
	return l.newBuilder(LogLevelError, l.zl.Error(), message)
}

func (l *Logger) newBuilder(level LogLevel, ev *zerolog.Event, message string) *LogBuilder {
	if !l.shouldLog(level) {
		ev = nil
	}
	return &LogBuilder{event: ev, message: message}
}

// LogBuilder accumulates fields on a zerolog event. A nil event means the
// level is filtered and every call is a no-op.
type LogBuilder struct {
	event   *zerolog.Event
	message string
}

func (b *LogBuilder) Component(component string) *LogBuilder {
	if b.event != nil {
		b.event.Str("component", component)
	}
	return b
}

func (b *LogBuilder) Operation(operation string) *LogBuilder {
	if b.event != nil {
		b.event.Str("operation", operation)
	}
	return b
}

func (b *LogBuilder) Duration(duration time.Duration) *LogBuilder {
	if b.event != nil {
		b.event.Int64("duration_ms", duration.Milliseconds())
	}
	return b
}

func (b *LogBuilder) HTTP(method, path string, statusCode int) *LogBuilder {
	if b.event == nil {
		return b
	}
	if method != "" {
		b.event.Str("method", method)
	}
	b.event.Str("path", path)
	if statusCode != 0 {
		b.event.Int("status_code", statusCode)
	}
	return b
}

func (b *LogBuilder) Request(userAgent, remoteAddr, requestID string) *LogBuilder {
	if b.event == nil {
		return b
	}
	if userAgent != "" {
		b.event.Str("user_agent", userAgent)
	}
	if remoteAddr != "" {
		b.event.Str("remote_addr", remoteAddr)
	}
	if requestID != "" {
		b.event.Str("request_id", requestID)
	}
	return b
}

func (b *LogBuilder) Cache(hit bool, key string) *LogBuilder {
	if b.event != nil {
		b.event.Bool("cache_hit", hit).Str("cache_key", key)
	}
	return b
}

func (b *LogBuilder) Worker(workerID, taskType string) *LogBuilder {
	if b.event == nil {
		return b
	}
	if workerID != "" {
		b.event.Str("worker_id", workerID)
	}
	if taskType != "" {
		b.event.Str("task_type", taskType)
	}
	return b
}

func (b *LogBuilder) Clan(clanTag, warTag string) *LogBuilder {
	if b.event == nil {
		return b
	}
	if clanTag != "" {
		b.event.Str("clan_tag", clanTag)
	}
	if warTag != "" {
		b.event.Str("war_tag", warTag)
	}
	return b
}

func (b *LogBuilder) Err(err error) *LogBuilder {
	if b.event != nil && err != nil {
		b.event.Str("error", err.Error())
	}
	return b
}

func (b *LogBuilder) ErrorCode(code string) *LogBuilder {
	if b.event != nil {
		b.event.Str("error_code", code)
	}
	return b
}

func (b *LogBuilder) Meta(key string, value interface{}) *LogBuilder {
	if b.event != nil {
		b.event.Interface(key, value)
	}
	return b
}

func (b *LogBuilder) Log() {
	if b.event != nil {
		b.event.Msg(b.message)
	}
}
