// Package logger предоставляет структурированное логирование для пакетов softphone.
//
// Интерфейс StructuredLogger повторяет привычную форму (уровни, поля, контекстные
// логгеры), а запись выполняется через log/slog с подключаемыми обработчиками.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel разбирает строковое имя уровня. Неизвестные значения дают Info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку вместе с полями
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithSession(sessionID, callID string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field = slog.Attr

// Helpers для создания полей
func String(key, value string) Field                 { return slog.String(key, value) }
func Int(key string, value int) Field                { return slog.Int(key, value) }
func Int64(key string, value int64) Field            { return slog.Int64(key, value) }
func Bool(key string, value bool) Field              { return slog.Bool(key, value) }
func Duration(key string, value time.Duration) Field { return slog.Duration(key, value) }
func Time(key string, value time.Time) Field         { return slog.Time(key, value) }
func Any(key string, value any) Field                { return slog.Any(key, value) }
func Err(err error) Field                            { return slog.Any("error", err) }

// Format формат вывода
type Format string

const (
	FormatConsole Format = "console"
	FormatDev     Format = "dev"
	FormatJSON    Format = "json"
)

// Options настройки логгера
type Options struct {
	Level  LogLevel
	Format Format
	Output io.Writer
	// AddSource добавляет файл и строку вызова
	AddSource bool
}

var formatters = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(u sip.Uri) slog.Value {
		return slog.StringValue(u.String())
	}),
	slogformatter.FormatByType(func(u *sip.Uri) slog.Value {
		if u == nil {
			return slog.StringValue("<nil>")
		}
		return slog.StringValue(u.String())
	}),
)

// New создает logger по настройкам
func New(opts Options) StructuredLogger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	level := opts.Level.slogLevel()

	var h slog.Handler
	switch opts.Format {
	case FormatDev:
		h = devslog.NewHandler(out, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: opts.AddSource,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{
			AddSource: opts.AddSource,
			Level:     level,
		})
	default:
		h = console.NewHandler(out, &console.HandlerOptions{
			AddSource:  opts.AddSource,
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		})
	}

	return &slogLogger{l: slog.New(formatters(h))}
}

// FromSlog оборачивает готовый *slog.Logger
func FromSlog(l *slog.Logger) StructuredLogger {
	if l == nil {
		return Noop()
	}
	return &slogLogger{l: l}
}

type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) log(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.l.LogAttrs(ctx, level, msg, fields...)
}

func (s *slogLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelDebug, msg, fields)
}

func (s *slogLogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelInfo, msg, fields)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelWarn, msg, fields)
}

func (s *slogLogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelError, msg, fields)
}

// LogError логирует ошибку с дополнительной информацией.
// Ошибки, реализующие LogFielder, добавляют собственные поля.
func (s *slogLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err != nil {
		fields = append(fields, Err(err))
		if lf, ok := err.(LogFielder); ok {
			fields = append(fields, lf.LogFields()...)
		}
	}
	s.log(ctx, slog.LevelError, msg, fields)
}

func (s *slogLogger) WithComponent(component string) StructuredLogger {
	return &slogLogger{l: s.l.With(slog.String("component", component))}
}

func (s *slogLogger) WithSession(sessionID, callID string) StructuredLogger {
	attrs := []any{slog.String("session_id", sessionID)}
	if callID != "" {
		attrs = append(attrs, slog.String("call_id", callID))
	}
	return &slogLogger{l: s.l.With(attrs...)}
}

func (s *slogLogger) WithFields(fields ...Field) StructuredLogger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return &slogLogger{l: s.l.With(args...)}
}

func (s *slogLogger) IsEnabled(level LogLevel) bool {
	return s.l.Enabled(context.Background(), level.slogLevel())
}

// LogFielder реализуется ошибками, которые знают свои поля лога
type LogFielder interface {
	LogFields() []Field
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (noopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h noopHandler) WithGroup(string) slog.Handler           { return h }

// Noop возвращает logger, который ничего не пишет
func Noop() StructuredLogger {
	return &slogLogger{l: slog.New(noopHandler{})}
}

var defaultLogger StructuredLogger = New(Options{Level: LogLevelInfo, Format: FormatConsole, Output: os.Stderr})

// Default возвращает глобальный logger пакета
func Default() StructuredLogger {
	return defaultLogger
}

// SetDefault заменяет глобальный logger
func SetDefault(l StructuredLogger) {
	if l == nil {
		panic(fmt.Sprintf("logger: SetDefault(%v)", l))
	}
	defaultLogger = l
}
