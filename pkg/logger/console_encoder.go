package logger

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// customLevelKey carries the original Level name through zap so the console
// encoder can render SUCCESS and FAIL, which zap itself has no level for.
const customLevelKey = "customlevel"

// contextKeys are rendered as a bracketed line prefix, in this order. FieldRun
// is consumed but hidden: it is on every line of a run, the file sink keeps it.
var contextKeys = []string{FieldRun, FieldPlan, FieldStep, FieldPhase, FieldGuest, FieldTest}

var levelColors = map[Level]*color.Color{
	DebugLevel:   color.New(color.FgMagenta),
	SuccessLevel: color.New(color.FgGreen),
	WarnLevel:    color.New(color.FgYellow),
	ErrorLevel:   color.New(color.FgRed),
	FailLevel:    color.New(color.FgRed, color.Bold),
	PanicLevel:   color.New(color.FgCyan),
	FatalLevel:   color.New(color.FgRed, color.Bold),
}

var _bufferPool = buffer.NewPool()

// consoleEncoder renders entries as single human-readable lines:
//
//	2026-08-23T10:04:02Z [/plans/basic] [execute] [server-1] [INFO] test passed
//
// Fields added via With whose keys match contextKeys become the prefix;
// remaining fields are appended as key=value pairs.
type consoleEncoder struct {
	zapcore.EncoderConfig
	opts         Options
	levelStrings map[Level]string
	fields       []zapcore.Field
}

// NewConsoleEncoder creates the console encoder. Colors follow
// opts.ColorConsole and are additionally suppressed by the color package when
// stdout is not a terminal or NO_COLOR is set.
func NewConsoleEncoder(cfg zapcore.EncoderConfig, opts Options) zapcore.Encoder {
	return &consoleEncoder{
		EncoderConfig: cfg,
		opts:          opts,
		levelStrings:  cacheLevelStrings(opts.ColorConsole),
	}
}

func cacheLevelStrings(colored bool) map[Level]string {
	m := make(map[Level]string)
	for _, l := range []Level{DebugLevel, InfoLevel, SuccessLevel, WarnLevel, ErrorLevel, FailLevel, PanicLevel, FatalLevel} {
		tag := fmt.Sprintf("[%s]", l.CapitalString())
		if colored {
			m[l] = levelToColor(l, tag)
		} else {
			m[l] = tag
		}
	}
	return m
}

func levelToColor(level Level, tag string) string {
	if c, ok := levelColors[level]; ok {
		return c.Sprint(tag)
	}
	return tag
}

func levelFromName(name string) Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return DebugLevel
	case "SUCCESS":
		return SuccessLevel
	case "WARN":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FAIL":
		return FailLevel
	case "PANIC":
		return PanicLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func (enc *consoleEncoder) Clone() zapcore.Encoder {
	clone := &consoleEncoder{
		EncoderConfig: enc.EncoderConfig,
		opts:          enc.opts,
		levelStrings:  enc.levelStrings,
	}
	clone.fields = append(clone.fields, enc.fields...)
	return clone
}

func (enc *consoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := _bufferPool.Get()

	if enc.TimeKey != "" {
		line.AppendString(ent.Time.Format(enc.opts.TimestampFormat))
		line.AppendString(" ")
	}

	all := make([]zapcore.Field, 0, len(enc.fields)+len(fields))
	all = append(all, enc.fields...)
	all = append(all, fields...)

	contextValues := make(map[string]string, len(contextKeys))
	level := InfoLevel
	levelSeen := false
	rest := all[:0]
	for _, f := range all {
		switch {
		case f.Key == customLevelKey && f.Type == zapcore.StringType:
			level = levelFromName(f.String)
			levelSeen = true
		case isContextKey(f.Key) && f.Type == zapcore.StringType:
			contextValues[f.Key] = f.String
		default:
			rest = append(rest, f)
		}
	}

	for _, key := range contextKeys {
		if key == FieldRun {
			continue
		}
		if val := contextValues[key]; val != "" {
			line.AppendString("[")
			line.AppendString(val)
			line.AppendString("] ")
		}
	}

	if levelSeen {
		line.AppendString(enc.levelStrings[level])
	} else {
		line.AppendString(enc.levelStrings[zapToLevel(ent.Level)])
	}
	line.AppendString(" ")

	line.AppendString(ent.Message)

	for _, f := range rest {
		line.AppendString(" ")
		line.AppendString(f.Key)
		line.AppendString("=")
		appendFieldValue(line, f)
	}

	if enc.LineEnding != "" {
		line.AppendString(enc.LineEnding)
	} else {
		line.AppendString(zapcore.DefaultLineEnding)
	}
	return line, nil
}

func isContextKey(key string) bool {
	for _, k := range contextKeys {
		if k == key {
			return true
		}
	}
	return false
}

func zapToLevel(lvl zapcore.Level) Level {
	switch lvl {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		return PanicLevel
	case zapcore.FatalLevel:
		return FatalLevel
	default:
		return InfoLevel
	}
}

func appendFieldValue(line *buffer.Buffer, f zapcore.Field) {
	switch f.Type {
	case zapcore.StringType:
		if f.String == "" || strings.ContainsAny(f.String, " \t") {
			fmt.Fprintf(line, "%q", f.String)
		} else {
			line.AppendString(f.String)
		}
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			fmt.Fprintf(line, "%q", err.Error())
		} else {
			line.AppendString("nil")
		}
	case zapcore.BoolType:
		line.AppendBool(f.Integer == 1)
	case zapcore.Int8Type, zapcore.Int16Type, zapcore.Int32Type, zapcore.Int64Type:
		line.AppendInt(f.Integer)
	case zapcore.Uint8Type, zapcore.Uint16Type, zapcore.Uint32Type, zapcore.Uint64Type, zapcore.UintptrType:
		line.AppendUint(uint64(f.Integer))
	case zapcore.DurationType:
		line.AppendString(time.Duration(f.Integer).String())
	case zapcore.TimeType:
		if t, ok := f.Interface.(time.Time); ok {
			line.AppendString(t.Format(time.RFC3339))
		} else {
			line.AppendString(time.Unix(0, f.Integer).Format(time.RFC3339))
		}
	case zapcore.Float64Type, zapcore.Float32Type:
		fmt.Fprintf(line, "%v", f.Interface)
	default:
		fmt.Fprintf(line, "%v", f.Interface)
	}
}

// ObjectEncoder methods capture fields attached via With so EncodeEntry can
// fold them into the prefix. Only the field shapes the tool logs are kept
// faithfully; exotic types fall back to their zap field representation.

func (enc *consoleEncoder) add(f zapcore.Field) {
	enc.fields = append(enc.fields, f)
}

func (enc *consoleEncoder) AddString(key, val string) {
	enc.add(zapcore.Field{Key: key, Type: zapcore.StringType, String: val})
}

func (enc *consoleEncoder) AddBool(key string, val bool) {
	n := int64(0)
	if val {
		n = 1
	}
	enc.add(zapcore.Field{Key: key, Type: zapcore.BoolType, Integer: n})
}

func (enc *consoleEncoder) AddInt(key string, val int)     { enc.AddInt64(key, int64(val)) }
func (enc *consoleEncoder) AddInt64(key string, val int64) {
	enc.add(zapcore.Field{Key: key, Type: zapcore.Int64Type, Integer: val})
}
func (enc *consoleEncoder) AddInt32(key string, val int32) { enc.AddInt64(key, int64(val)) }
func (enc *consoleEncoder) AddInt16(key string, val int16) { enc.AddInt64(key, int64(val)) }
func (enc *consoleEncoder) AddInt8(key string, val int8)   { enc.AddInt64(key, int64(val)) }

func (enc *consoleEncoder) AddUint(key string, val uint)     { enc.AddUint64(key, uint64(val)) }
func (enc *consoleEncoder) AddUint64(key string, val uint64) {
	enc.add(zapcore.Field{Key: key, Type: zapcore.Uint64Type, Integer: int64(val)})
}
func (enc *consoleEncoder) AddUint32(key string, val uint32)   { enc.AddUint64(key, uint64(val)) }
func (enc *consoleEncoder) AddUint16(key string, val uint16)   { enc.AddUint64(key, uint64(val)) }
func (enc *consoleEncoder) AddUint8(key string, val uint8)     { enc.AddUint64(key, uint64(val)) }
func (enc *consoleEncoder) AddUintptr(key string, val uintptr) { enc.AddUint64(key, uint64(val)) }

func (enc *consoleEncoder) AddDuration(key string, val time.Duration) {
	enc.add(zapcore.Field{Key: key, Type: zapcore.DurationType, Integer: int64(val)})
}

func (enc *consoleEncoder) AddTime(key string, val time.Time) {
	enc.add(zapcore.Field{Key: key, Type: zapcore.TimeType, Integer: val.UnixNano(), Interface: val})
}

func (enc *consoleEncoder) AddFloat64(key string, val float64) {
	enc.add(zapcore.Field{Key: key, Type: zapcore.Float64Type, Interface: val})
}

func (enc *consoleEncoder) AddFloat32(key string, val float32) {
	enc.add(zapcore.Field{Key: key, Type: zapcore.Float32Type, Interface: val})
}

func (enc *consoleEncoder) AddByteString(key string, val []byte) { enc.AddString(key, string(val)) }

func (enc *consoleEncoder) AddReflected(key string, obj interface{}) error {
	enc.add(zapcore.Field{Key: key, Type: zapcore.ReflectType, Interface: obj})
	return nil
}

func (enc *consoleEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error  { return nil }
func (enc *consoleEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error { return nil }
func (enc *consoleEncoder) AddBinary(key string, val []byte)                       {}
func (enc *consoleEncoder) AddComplex128(key string, val complex128)               {}
func (enc *consoleEncoder) AddComplex64(key string, val complex64)                 {}
func (enc *consoleEncoder) OpenNamespace(key string)                               {}
