package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	mu     sync.Mutex
	logger *slog.Logger
	level  = new(slog.LevelVar)
	output io.Writer = os.Stdout
)

// Setup initializes the global logger.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(lvl string) {
	once.Do(func() {
		level.Set(parseLevel(lvl))
		mu.Lock()
		defer mu.Unlock()
		install(output)
	})
}

func parseLevel(lvl string) slog.Level {
	switch strings.ToUpper(lvl) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func install(w io.Writer) {
	output = w
	logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// SetOutput points the logger at w. Descriptors 1 and 2 are redirected
// while a task's streams are captured, so long-lived processes log to a
// file or to a descriptor saved before the first capture.
func SetOutput(w io.Writer) {
	Setup("INFO")
	mu.Lock()
	defer mu.Unlock()
	install(w)
}

// SetLevel changes the level of the configured logger.
func SetLevel(lvl string) {
	level.Set(parseLevel(lvl))
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	Setup("INFO")
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithTask returns a logger with the task_id field set.
func WithTask(id string) *slog.Logger {
	return Get().With(slog.String("task_id", id))
}

// WithStream returns a logger with the stream field set.
func WithStream(name string) *slog.Logger {
	return Get().With(slog.String("stream", name))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
