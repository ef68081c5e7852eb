package observ

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout, zerolog.InfoLevel, false)
)

func newLogger(w io.Writer, level zerolog.Level, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Init configures the process logger. Unknown levels fall back to info.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	SetOutput(os.Stdout, lvl, pretty)
}

// SetOutput swaps the log destination; tests use it to capture output.
func SetOutput(w io.Writer, level zerolog.Level, pretty bool) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(w, level, pretty)
}

// Logger returns the current process logger.
func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log emits an info-level structured event.
func Log(event string, kv map[string]any) {
	l := Logger()
	emit(l.Info(), event, kv)
}

// Warn emits a warning-level structured event.
func Warn(event string, kv map[string]any) {
	l := Logger()
	emit(l.Warn(), event, kv)
}

// Error emits an error-level structured event with err attached.
func Error(event string, err error, kv map[string]any) {
	l := Logger()
	emit(l.Error().Err(err), event, kv)
}

func emit(e *zerolog.Event, event string, kv map[string]any) {
	if e == nil {
		return
	}
	e.Str("event", event).Fields(kv).Msg("")
}
