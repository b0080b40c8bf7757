package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is a log severity
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

var zerologLevels = [...]zerolog.Level{
	zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel, zerolog.FatalLevel,
}

func (l Level) String() string {
	if l < DEBUG || l > FATAL {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel accepts any case and "WARNING"; unknown names mean INFO
func ParseLevel(s string) Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARNING" {
		return WARN
	}
	for i, name := range levelNames {
		if name == s {
			return Level(i)
		}
	}
	return INFO
}

// Logger writes structured lines through zerolog. The With* methods return a
// child; the receiver is never changed.
type Logger struct {
	zl        zerolog.Logger
	level     Level
	component string
}

// Config selects the sink and format
type Config struct {
	Level       string    `json:"level"`
	Output      string    `json:"output"` // "stdout", "stderr", or a file path
	Component   string    `json:"component"`
	IncludeFile bool      `json:"include_file"`
	JSONFormat  bool      `json:"json_format"`
	Writer      io.Writer `json:"-"` // wins over Output
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.MessageFieldName = "message"
}

func openOutput(cfg *Config) io.Writer {
	if cfg.Writer != nil {
		return cfg.Writer
	}
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: cannot open %s, using stdout: %v\n", cfg.Output, err)
		return os.Stdout
	}
	return f
}

func New(cfg *Config) *Logger {
	out := openOutput(cfg)
	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05", NoColor: true}
	}

	level := ParseLevel(cfg.Level)
	zctx := zerolog.New(out).Level(zerologLevels[level]).With().Timestamp()
	if cfg.IncludeFile {
		// skip emit() and the level method that called it
		zctx = zctx.CallerWithSkipFrameCount(4)
	}
	return &Logger{zl: zctx.Logger(), level: level, component: cfg.Component}
}

// Default is the process-wide logger, JSON to stdout until SetDefault replaces it
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(&Config{Level: "INFO", Component: "app", JSONFormat: true})
	}
	return defaultLogger
}

func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Nop discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), level: FATAL + 1}
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zl: fn(l.zl.With()).Logger(), level: l.level, component: l.component}
}

// WithComponent tags lines with the emitting subsystem
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl, level: l.level, component: component}
}

func (l *Logger) WithTraceID(traceID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("trace_id", traceID) })
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("error", err.Error()) })
}

func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("duration", d.String()) })
}

func (l *Logger) event(level Level) *zerolog.Event {
	switch level {
	case DEBUG:
		return l.zl.Debug()
	case WARN:
		return l.zl.Warn()
	case ERROR:
		return l.zl.Error()
	case FATAL:
		// Fatal() exits itself after the line is written
		return l.zl.WithLevel(zerolog.FatalLevel)
	default:
		return l.zl.Info()
	}
}

// isKeyValues reports whether args look like "key", value, "key", value...
func isKeyValues(args []interface{}) bool {
	if len(args) == 0 || len(args)%2 != 0 {
		return false
	}
	_, ok := args[0].(string)
	return ok
}

// emit accepts key/value pairs, or printf arguments for msg
func (l *Logger) emit(level Level, msg string, args []interface{}) {
	if level < l.level {
		return
	}
	ev := l.event(level)
	if ev == nil {
		return
	}
	if l.component != "" {
		ev.Str("component", l.component)
	}
	if !isKeyValues(args) {
		if len(args) > 0 {
			msg = fmt.Sprintf(msg, args...)
		}
		ev.Msg(msg)
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, isErr := args[i+1].(error); isErr {
			ev.AnErr(key, err)
		} else {
			ev.Interface(key, args[i+1])
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(DEBUG, msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.emit(INFO, msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.emit(WARN, msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(ERROR, msg, args) }

// Fatal logs and exits with status 1
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.emit(FATAL, msg, args)
	os.Exit(1)
}

// WithComponent derives from Default
func WithComponent(component string) *Logger {
	return Default().WithComponent(component)
}
