// Package logger wraps zap with the log levels and output shape the rest of
// the tool expects: a human console stream with a SUCCESS level and colored
// prefixes, plus an optional JSON file sink with rotation for the run workdir.
//
// The global logger is initialized once at startup:
//
//	logger.Init(logger.DefaultOptions())
//	defer logger.SyncGlobal()
//	logger.Info("starting run %s", runID)
//	logger.Success("plan %s passed", planName)
//
// Scoped loggers carry pipeline context as structured fields:
//
//	log := logger.Get().With(logger.FieldPlan, plan.Name, logger.FieldStep, "execute")
//	log.Infof("executing %d tests", len(tests))
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Level defines the log level. Custom levels (SuccessLevel, FailLevel) are
// mapped onto the nearest zapcore.Level and rendered distinctively by the
// console encoder.
type Level int8

const (
	// DebugLevel logs are voluminous and usually disabled.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// SuccessLevel marks completed operations; rendered green on the console.
	SuccessLevel
	// WarnLevel logs potential issues that are not yet errors.
	WarnLevel
	// ErrorLevel logs problems that need attention.
	ErrorLevel
	// FailLevel logs a critical failure and then exits the process.
	FailLevel
	// PanicLevel logs a message, then panics.
	PanicLevel
	// FatalLevel logs a message, then exits. FailLevel is preferred; this is
	// kept for direct zap compatibility.
	FatalLevel
)

// String returns a lowercase string representation of the Level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case SuccessLevel:
		return "success"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FailLevel:
		return "fail"
	case PanicLevel:
		return "panic"
	case FatalLevel:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", l)
	}
}

// CapitalString returns an uppercase string representation of the Level.
func (l Level) CapitalString() string {
	return strings.ToUpper(l.String())
}

// ToZapLevel converts the Level to the zapcore.Level it is logged at.
func (l Level) ToZapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel, SuccessLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FailLevel, FatalLevel:
		return zapcore.FatalLevel
	case PanicLevel:
		return zapcore.PanicLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a level name from configuration into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "success":
		return SuccessLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fail":
		return FailLevel, nil
	case "panic":
		return PanicLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Structured field keys the console encoder folds into the line prefix so
// pipeline context reads as "[/plans/basic] [execute] [server-1]".
const (
	FieldRun   = "run"
	FieldPlan  = "plan"
	FieldStep  = "step"
	FieldPhase = "phase"
	FieldGuest = "guest"
	FieldTest  = "test"
)

// Options holds configuration for the logger.
type Options struct {
	// ConsoleLevel sets the minimum log level for console output.
	ConsoleLevel Level
	// FileLevel sets the minimum log level for file output.
	FileLevel Level
	// LogFilePath is the JSON log file; required if FileOutput is true.
	// The run writer points this at <workdir>/log.txt.
	LogFilePath string
	// ConsoleOutput enables logging to os.Stdout.
	ConsoleOutput bool
	// FileOutput enables logging to LogFilePath with rotation.
	FileOutput bool
	// ColorConsole enables colored console prefixes. Colors are still
	// suppressed automatically when stdout is not a terminal.
	ColorConsole bool
	// TimestampFormat is the layout for timestamps; defaults to RFC3339.
	TimestampFormat string
	// MaxFileSizeMB, MaxFileBackups and MaxFileAgeDays bound the rotated
	// file sink. Zero values fall back to the defaults below.
	MaxFileSizeMB  int
	MaxFileBackups int
	MaxFileAgeDays int
}

// DefaultOptions returns the default configuration: INFO and up to a colored
// console, file output disabled until a run workdir exists.
func DefaultOptions() Options {
	return Options{
		ConsoleLevel:    InfoLevel,
		FileLevel:       DebugLevel,
		ConsoleOutput:   true,
		FileOutput:      false,
		ColorConsole:    true,
		TimestampFormat: time.RFC3339,
		MaxFileSizeMB:   50,
		MaxFileBackups:  3,
		MaxFileAgeDays:  28,
	}
}

// Logger wraps zap.SugaredLogger with the custom level handling.
type Logger struct {
	*zap.SugaredLogger
	opts Options
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
	once         sync.Once
)

// Init initializes the global logger. The first call wins; later calls are
// no-ops (use Reconfigure to retarget outputs once the run workdir is known).
// If construction fails it falls back to a plain console logger so logging is
// always available.
func Init(opts Options) {
	once.Do(func() {
		l, err := NewLogger(opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v, falling back to console only\n", err)
			fallback := opts
			fallback.FileOutput = false
			l, _ = NewLogger(fallback)
		}
		globalMu.Lock()
		globalLogger = l
		globalMu.Unlock()
	})
}

// Get returns the global logger, initializing it with defaults if Init was
// never called.
func Get() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l == nil {
		Init(DefaultOptions())
		globalMu.RLock()
		l = globalLogger
		globalMu.RUnlock()
	}
	return l
}

// Reconfigure replaces the global logger. The run writer calls this after
// creating the workdir so the file sink lands in <workdir>/log.txt.
func Reconfigure(opts Options) error {
	l, err := NewLogger(opts)
	if err != nil {
		return err
	}
	globalMu.Lock()
	old := globalLogger
	globalLogger = l
	globalMu.Unlock()
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

// NewLogger creates a Logger from the options. Most callers want the global
// logger via Init and Get; separate instances exist for tests.
func NewLogger(opts Options) (*Logger, error) {
	if opts.TimestampFormat == "" {
		opts.TimestampFormat = time.RFC3339
	}

	var cores []zapcore.Core

	if opts.ConsoleOutput {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(opts.TimestampFormat)
		encCfg.TimeKey = "time"
		encCfg.LevelKey = "" // the console encoder renders its own level tag
		encCfg.MessageKey = "msg"

		enc := NewConsoleEncoder(encCfg, opts)
		enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= opts.ConsoleLevel.ToZapLevel()
		})
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), enabler))
	}

	if opts.FileOutput {
		if opts.LogFilePath == "" {
			return nil, fmt.Errorf("log file path cannot be empty when file output is enabled")
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(opts.TimestampFormat)
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.LogFilePath,
			MaxSize:    opts.MaxFileSizeMB,
			MaxBackups: opts.MaxFileBackups,
			MaxAge:     opts.MaxFileAgeDays,
		})
		enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= opts.FileLevel.ToZapLevel()
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, enabler))
	}

	if len(cores) == 0 {
		return &Logger{SugaredLogger: zap.NewNop().Sugar(), opts: opts}, nil
	}

	z := zap.New(zapcore.NewTee(cores...))
	return &Logger{SugaredLogger: z.Sugar(), opts: opts}, nil
}

// log routes a message through zap at the mapped level, carrying the original
// level name as a field for the console encoder to render.
func (l *Logger) log(level Level, template string, args ...interface{}) {
	if l == nil || l.SugaredLogger == nil {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", level.CapitalString(), fmt.Sprintf(template, args...))
		if level == FailLevel || level == FatalLevel {
			os.Exit(1)
		}
		if level == PanicLevel {
			panic(fmt.Sprintf(template, args...))
		}
		return
	}

	msg := fmt.Sprintf(template, args...)
	levelField := zap.String(customLevelKey, level.CapitalString())

	switch level {
	case DebugLevel:
		l.SugaredLogger.Debugw(msg, levelField)
	case InfoLevel, SuccessLevel:
		l.SugaredLogger.Infow(msg, levelField)
	case WarnLevel:
		l.SugaredLogger.Warnw(msg, levelField)
	case ErrorLevel:
		l.SugaredLogger.Errorw(msg, levelField)
	case FailLevel, FatalLevel:
		l.SugaredLogger.Fatalw(msg, levelField)
	case PanicLevel:
		l.SugaredLogger.Panicw(msg, levelField)
	default:
		l.SugaredLogger.Infow(msg, levelField)
	}
}

// Debugf logs a message at DebugLevel.
func (l *Logger) Debugf(template string, args ...interface{}) {
	l.log(DebugLevel, template, args...)
}

// Infof logs a message at InfoLevel.
func (l *Logger) Infof(template string, args ...interface{}) {
	l.log(InfoLevel, template, args...)
}

// Successf logs a message at SuccessLevel.
func (l *Logger) Successf(template string, args ...interface{}) {
	l.log(SuccessLevel, template, args...)
}

// Warnf logs a message at WarnLevel.
func (l *Logger) Warnf(template string, args ...interface{}) {
	l.log(WarnLevel, template, args...)
}

// Errorf logs a message at ErrorLevel.
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.log(ErrorLevel, template, args...)
}

// Failf logs a message at FailLevel and exits the process.
func (l *Logger) Failf(template string, args ...interface{}) {
	l.log(FailLevel, template, args...)
}

// Panicf logs a message at PanicLevel then panics.
func (l *Logger) Panicf(template string, args ...interface{}) {
	l.log(PanicLevel, template, args...)
}

// Fatalf logs a message at FatalLevel and exits the process.
func (l *Logger) Fatalf(template string, args ...interface{}) {
	l.log(FatalLevel, template, args...)
}

// With returns a child logger carrying additional structured fields. Keys
// from the Field* constants become part of the console line prefix.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...), opts: l.opts}
}

// Options returns the configuration the logger was built with, so callers
// can derive an adjusted configuration for Reconfigure.
func (l *Logger) Options() Options {
	return l.opts
}

// Sync flushes buffered entries. Call before process exit.
func (l *Logger) Sync() error {
	if l == nil || l.SugaredLogger == nil {
		return nil
	}
	return l.SugaredLogger.Sync()
}

// Package-level helpers on the global logger.

// Debug logs a message at DebugLevel using the global logger.
func Debug(template string, args ...interface{}) { Get().log(DebugLevel, template, args...) }

// Info logs a message at InfoLevel using the global logger.
func Info(template string, args ...interface{}) { Get().log(InfoLevel, template, args...) }

// Success logs a message at SuccessLevel using the global logger.
func Success(template string, args ...interface{}) { Get().log(SuccessLevel, template, args...) }

// Warn logs a message at WarnLevel using the global logger.
func Warn(template string, args ...interface{}) { Get().log(WarnLevel, template, args...) }

// Error logs a message at ErrorLevel using the global logger.
func Error(template string, args ...interface{}) { Get().log(ErrorLevel, template, args...) }

// Fail logs a message at FailLevel using the global logger, then exits.
func Fail(template string, args ...interface{}) { Get().log(FailLevel, template, args...) }

// SyncGlobal flushes the global logger.
func SyncGlobal() error { return Get().Sync() }
