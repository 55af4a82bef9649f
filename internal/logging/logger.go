// Package logging provides the daemon's internal logger
package logging

import (
	"fmt"
	"strings"
	"sync"

	seelog "github.com/cihub/seelog"
)

// LogLevel represents the available internal log levels
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// Mode selects the sink, mirroring the LoggingMode daemon option
type Mode int

const (
	// ModeStderr prints to the console
	ModeStderr Mode = iota
	// ModeFile appends to a log file
	ModeFile
	// ModeSyslog forwards to the local syslog
	ModeSyslog
	// ModeOff discards everything
	ModeOff
)

// Config holds logging configuration
type Config struct {
	Level    LogLevel
	Mode     Mode
	Filename string
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level: LevelInfo,
		Mode:  ModeStderr,
	}
}

// Logger wraps a seelog instance with level gating
type Logger struct {
	mu    sync.Mutex
	inner seelog.LoggerInterface
	level LogLevel
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger from config
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Mode == ModeOff {
		return &Logger{inner: seelog.Disabled, level: config.Level}, nil
	}
	inner, err := seelog.LoggerFromConfigAsString(seelogConfig(config))
	if err != nil {
		return nil, fmt.Errorf("logging: cannot build logger: %w", err)
	}
	return &Logger{inner: inner, level: config.Level}, nil
}

// seelogConfig renders the seelog XML for the selected sink
func seelogConfig(config *Config) string {
	var sink string
	switch config.Mode {
	case ModeFile:
		sink = fmt.Sprintf(`<file path="%s"/>`, config.Filename)
	case ModeSyslog:
		sink = `<conn net="unixgram" addr="/dev/log"/>`
	default:
		sink = `<console/>`
	}
	var b strings.Builder
	b.WriteString(`<seelog minlevel="debug" type="sync">`)
	b.WriteString(`<outputs formatid="mctd">`)
	b.WriteString(sink)
	b.WriteString(`</outputs>`)
	b.WriteString(`<formats><format id="mctd" format="%Date(2006-01-02 15:04:05 MST) | MCTD | %LEVEL | %Msg%n"/></formats>`)
	b.WriteString(`</seelog>`)
	return b.String()
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		l, err := NewLogger(nil)
		if err != nil {
			// the builtin console config cannot fail; keep a disabled
			// logger rather than panicking inside a logging path
			l = &Logger{inner: seelog.Disabled, level: LevelError}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault installs the process-wide logger
func SetDefault(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

// SetLevel changes the gate at runtime
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the current gate
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) enabled(level LogLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level <= l.level
}

// Debugf logs at debug level
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.enabled(LevelDebug) {
		l.inner.Debugf(format, args...)
	}
}

// Infof logs at info level
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.enabled(LevelInfo) {
		l.inner.Infof(format, args...)
	}
}

// Warnf logs at warning level
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.enabled(LevelWarn) {
		_ = l.inner.Warnf(format, args...)
	}
}

// Errorf logs at error level
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.enabled(LevelError) {
		_ = l.inner.Errorf(format, args...)
	}
}

// Flush drains buffered output; call before process exit
func (l *Logger) Flush() {
	l.inner.Flush()
}

// Debugf logs at debug level on the default logger
func Debugf(format string, args ...interface{}) { Default().Debugf(format, args...) }

// Infof logs at info level on the default logger
func Infof(format string, args ...interface{}) { Default().Infof(format, args...) }

// Warnf logs at warning level on the default logger
func Warnf(format string, args ...interface{}) { Default().Warnf(format, args...) }

// Errorf logs at error level on the default logger
func Errorf(format string, args ...interface{}) { Default().Errorf(format, args...) }
