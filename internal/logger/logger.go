// Package logger is the module-tagged leveled logger used across the
// gateway. Output goes through a zap console core; the module tag becomes the
// zap logger name.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

// silentLevel sits above every level zap emits.
const silentLevel = zapcore.FatalLevel + 1

var levels = []struct {
	level   LogLevel
	name    string
	zap     zapcore.Level
	aliases []string
}{
	{DEBUG, "DEBUG", zapcore.DebugLevel, []string{"debug"}},
	{INFO, "INFO", zapcore.InfoLevel, []string{"info"}},
	{WARN, "WARN", zapcore.WarnLevel, []string{"warn", "warning"}},
	{ERROR, "ERROR", zapcore.ErrorLevel, []string{"error"}},
	{SILENT, "SILENT", silentLevel, []string{"silent", "none"}},
}

func toZap(level LogLevel) zapcore.Level {
	for _, l := range levels {
		if l.level == level {
			return l.zap
		}
	}
	return zapcore.InfoLevel
}

func fromZap(level zapcore.Level) LogLevel {
	for _, l := range levels {
		if l.zap == level {
			return l.level
		}
	}
	return INFO
}

// Logger writes leveled messages tagged by module.
type Logger struct {
	level   zap.AtomicLevel
	base    *zap.Logger
	modules sync.Map // module name -> *zap.SugaredLogger
}

var (
	defaultLogger *Logger
	initOnce      sync.Once
	discard       = New(SILENT, io.Discard, false)
)

// Init installs the process-wide logger. Later calls are ignored.
func Init(level LogLevel, output io.Writer, useColor bool) {
	initOnce.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// Default returns the global logger, or a silent one before Init.
func Default() *Logger {
	if defaultLogger != nil {
		return defaultLogger
	}
	return discard
}

// New builds a logger writing to output (stderr when nil).
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	if useColor {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	enc.CallerKey = ""

	atom := zap.NewAtomicLevelAt(toZap(level))
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(zapcore.AddSync(output)), atom)
	return &Logger{level: atom, base: zap.New(core)}
}

func (l *Logger) SetLevel(level LogLevel) { l.level.SetLevel(toZap(level)) }

func (l *Logger) GetLevel() LogLevel { return fromZap(l.level.Level()) }

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level != SILENT && l.level.Enabled(toZap(level))
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

func (l *Logger) named(module string) *zap.SugaredLogger {
	if s, ok := l.modules.Load(module); ok {
		return s.(*zap.SugaredLogger)
	}
	z := l.base
	if module != "" {
		z = z.Named(module)
	}
	s, _ := l.modules.LoadOrStore(module, z.Sugar())
	return s.(*zap.SugaredLogger)
}

func (l *Logger) Debug(module string, format string, args ...interface{}) {
	if l.Enabled(DEBUG) {
		l.named(module).Debugf(format, args...)
	}
}

func (l *Logger) Info(module string, format string, args ...interface{}) {
	if l.Enabled(INFO) {
		l.named(module).Infof(format, args...)
	}
}

func (l *Logger) Warn(module string, format string, args ...interface{}) {
	if l.Enabled(WARN) {
		l.named(module).Warnf(format, args...)
	}
}

func (l *Logger) Error(module string, format string, args ...interface{}) {
	if l.Enabled(ERROR) {
		l.named(module).Errorf(format, args...)
	}
}

// SetLevel changes the level of the global logger.
func SetLevel(level LogLevel) { Default().SetLevel(level) }

// GetLevel returns the level of the global logger.
func GetLevel() LogLevel { return Default().GetLevel() }

func Debug(module string, format string, args ...interface{}) {
	Default().Debug(module, format, args...)
}

func Info(module string, format string, args ...interface{}) {
	Default().Info(module, format, args...)
}

func Warn(module string, format string, args ...interface{}) {
	Default().Warn(module, format, args...)
}

func Error(module string, format string, args ...interface{}) {
	Default().Error(module, format, args...)
}

// ParseLevel accepts the level names in either case, plus "warning" and
// "none".
func ParseLevel(s string) (LogLevel, error) {
	lower := strings.ToLower(s)
	for _, l := range levels {
		for _, a := range l.aliases {
			if a == lower {
				return l.level, nil
			}
		}
	}
	return INFO, fmt.Errorf("invalid log level: %s", s)
}

func (l LogLevel) String() string {
	for _, lv := range levels {
		if lv.level == l {
			return lv.name
		}
	}
	return "UNKNOWN"
}
