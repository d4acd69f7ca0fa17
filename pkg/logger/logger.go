package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// LevelInfo is the info level.
	LevelInfo = iota
	// LevelWarn is the warn level.
	LevelWarn
	// LevelError is the error level.
	LevelError
	// LevelDebug is the debug level.
	LevelDebug
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// SetOutput replaces the destination of all log lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).With().Timestamp().Logger()
}

// SetConsole switches to human readable output.
func SetConsole(w io.Writer) {
	SetOutput(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
}

// SetLevel sets the minimum level from its name (debug, info, warn, error).
// Unknown names keep the current level.
func SetLevel(name string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || name == "" {
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

// Log writes msg at the given level with str as string fields and err as the
// error field, annotated with the caller's file and line.
func Log(level uint, str map[string]string, err interface{}, msg string) {
	mu.RLock()
	l := base
	mu.RUnlock()

	var event *zerolog.Event
	switch level {
	case LevelInfo:
		event = l.Info()
	case LevelWarn:
		event = l.Warn()
	case LevelError:
		event = l.Error()
	case LevelDebug:
		event = l.Debug()
	default:
		event = l.Info()
	}

	if _, file, line, ok := runtime.Caller(1); ok {
		event = event.Str("source", fmt.Sprintf("%s:%d", trimPath(file), line))
	}

	for k, v := range str {
		event = event.Str(k, v)
	}

	switch e := err.(type) {
	case nil:
	case error:
		event = event.Err(e)
	default:
		event = event.Interface("error", e)
	}

	event.Msg(msg)
}

func trimPath(file string) string {
	idx := strings.LastIndex(file, "/")
	if idx == -1 {
		return file
	}
	idx = strings.LastIndex(file[:idx], "/")
	if idx == -1 {
		return file
	}
	return file[idx+1:]
}
