package logger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"

	colorTime    = "\x1b[38;5;107m"
	colorKey     = "\x1b[38;5;65m"
	colorValue   = "\x1b[38;5;223m"
	colorWarn    = "\x1b[38;5;179m"
	colorWarnBg  = "\x1b[48;5;58m"
	colorError   = "\x1b[38;5;167m"
	colorErrorBg = "\x1b[48;5;52m"
)

// component colors rotate so each logger name keeps one color
var componentColors = []string{
	"\x1b[38;5;108m",
	"\x1b[38;5;109m",
	"\x1b[38;5;208m",
}

var bufferPool = buffer.NewPool()

// consoleEncoder is the compact terminal encoder used below debug verbosity.
// Format: "13:04:35  r.inbound  Applied update  origin=4f2a seq=12 count=3"
//
// Every field is printed as key=value. Context fields added with With come
// first, sorted by key, then the entry's own fields in call order.
type consoleEncoder struct {
	*zapcore.MapObjectEncoder
}

func newConsoleEncoder() *consoleEncoder {
	return &consoleEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder()}
}

func (enc *consoleEncoder) Clone() zapcore.Encoder {
	clone := newConsoleEncoder()
	for k, v := range enc.Fields {
		clone.Fields[k] = v
	}
	return clone
}

func (enc *consoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := bufferPool.Get()

	final.AppendString(colorTime)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	if lvl := levelString(ent.Level); lvl != "" {
		final.AppendString("  ")
		final.AppendString(lvl)
	}

	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(componentColor(ent.LoggerName))
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	final.AppendString("  ")
	final.AppendString(ent.Message)

	contextKeys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		contextKeys = append(contextKeys, k)
	}
	sort.Strings(contextKeys)
	for _, k := range contextKeys {
		appendField(final, k, enc.Fields[k])
	}

	entryFields := zapcore.NewMapObjectEncoder()
	var order []string
	for _, f := range fields {
		if _, dup := entryFields.Fields[f.Key]; !dup {
			order = append(order, f.Key)
		}
		f.AddTo(entryFields)
	}
	for _, k := range order {
		if v, ok := entryFields.Fields[k]; ok {
			appendField(final, k, v)
		}
	}

	if ent.Stack != "" {
		final.AppendString("\n")
		final.AppendString(ent.Stack)
	}
	final.AppendString("\n")
	return final, nil
}

func appendField(buf *buffer.Buffer, key string, value interface{}) {
	// zap adds the stack-carrying form of rich errors under errorVerbose
	if strings.HasSuffix(key, "Verbose") {
		return
	}
	buf.AppendString("  ")
	buf.AppendString(colorKey)
	buf.AppendString(key)
	buf.AppendString("=")
	buf.AppendString(colorValue)
	buf.AppendString(formatValue(value))
	buf.AppendString(colorReset)
}

func formatValue(v interface{}) string {
	s := fmt.Sprint(v)
	if strings.ContainsAny(s, " \t\n\"") {
		return strconv.Quote(s)
	}
	return s
}

// levelString is empty for info and below, bold on a background otherwise
func levelString(level zapcore.Level) string {
	switch {
	case level == zapcore.DebugLevel:
		return colorKey + "DEBUG" + colorReset
	case level < zapcore.WarnLevel:
		return ""
	case level == zapcore.WarnLevel:
		return colorBold + colorWarnBg + colorWarn + "WARN" + colorReset
	default:
		return colorBold + colorErrorBg + colorError + level.CapitalString() + colorReset
	}
}

func componentColor(name string) string {
	hash := 0
	for _, c := range name {
		hash += int(c)
	}
	return componentColors[hash%len(componentColors)]
}

// abbreviateName shortens component names: replica.inbound -> r.inbound
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 && parts[0] != "" {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}
