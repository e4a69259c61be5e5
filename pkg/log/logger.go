package log

import (
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// The first stack line is "goroutine 123 [running]:", 32 bytes is enough for it.
	stackBufSize = 32
	// "goroutine " prefix length.
	goroutinePrefixLen = 10
)

var (
	Logger    zerolog.Logger
	stackPool = sync.Pool{New: func() interface{} { return make([]byte, stackBufSize) }}
)

// goroutineID extracts the current goroutine ID from a minimal stack dump.
func goroutineID() string {
	buf, ok := stackPool.Get().([]byte)
	if !ok {
		return "unknown"
	}
	defer stackPool.Put(buf) //nolint:staticcheck // buf is a slice, this is the correct usage

	n := runtime.Stack(buf, false)
	if n <= goroutinePrefixLen {
		return "unknown"
	}

	end := goroutinePrefixLen
	for end < n && buf[end] >= '0' && buf[end] <= '9' {
		end++
	}
	if end == goroutinePrefixLen {
		return "unknown"
	}
	return string(buf[goroutinePrefixLen:end])
}

func goroutineHook() zerolog.Hook {
	return zerolog.HookFunc(func(e *zerolog.Event, _ zerolog.Level, _ string) {
		e.Str("goid", goroutineID())
	})
}

func newLogger(out io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger().
		Hook(goroutineHook())
}

func init() {
	Logger = newLogger(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, zerolog.InfoLevel)
	log.Logger = Logger
}

// Info logs an info message with goroutine ID.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Error logs an error message with goroutine ID.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Warn logs a warning message with goroutine ID.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Debug logs a debug message with goroutine ID.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Fatal logs a fatal message with goroutine ID and exits.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// SetDebugMode switches the logger to debug level.
func SetDebugMode() {
	SetLevel(zerolog.DebugLevel)
}

// SetLevel changes the minimum level of the global logger.
func SetLevel(level zerolog.Level) {
	Logger = Logger.Level(level)
	log.Logger = Logger
}

// ParseLevel maps a config value such as "debug" or "WARN" to a zerolog level.
// An empty value means info.
func ParseLevel(value string) (zerolog.Level, error) {
	if strings.TrimSpace(value) == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
}

// SetOutput redirects the global logger, keeping its level. JSON output is used for non-console writers.
func SetOutput(out io.Writer) {
	Logger = newLogger(out, Logger.GetLevel())
	log.Logger = Logger
}
