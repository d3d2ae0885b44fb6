package log

import (
	"strings"
	"time"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// DefaultFormat 为默认日志模板。
const DefaultFormat = "{severity} {name} {time} {message}"

const templateTimeLayout = "2006-01-02T15:04:05.000Z0700"

var pool = buffer.NewPool()

// templateEncoder 按命名占位符渲染日志行，结构化字段以 JSON 对象附在行尾。
type templateEncoder struct {
	zapcore.Encoder
	format string
}

// NewTemplateEncoder 创建模板编码器，支持 {severity} {name} {time} {message}。
func NewTemplateEncoder(format string) zapcore.Encoder {
	if format == "" {
		format = DefaultFormat
	}
	fields := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:     zapcore.OmitKey,
		LevelKey:       zapcore.OmitKey,
		TimeKey:        zapcore.OmitKey,
		NameKey:        zapcore.OmitKey,
		CallerKey:      zapcore.OmitKey,
		FunctionKey:    zapcore.OmitKey,
		StacktraceKey:  zapcore.OmitKey,
		LineEnding:     "",
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
	})
	return &templateEncoder{Encoder: fields, format: format}
}

func (e *templateEncoder) Clone() zapcore.Encoder {
	return &templateEncoder{Encoder: e.Encoder.Clone(), format: e.format}
}

func (e *templateEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	structured, err := e.Encoder.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return nil, err
	}
	defer structured.Free()

	name := ent.LoggerName
	if name == "" {
		name = "-"
	}
	r := strings.NewReplacer(
		"{severity}", ent.Level.CapitalString(),
		"{name}", name,
		"{time}", ent.Time.Format(templateTimeLayout),
		"{message}", ent.Message,
	)

	buf := pool.Get()
	buf.AppendString(r.Replace(e.format))
	if s := strings.TrimSuffix(structured.String(), "\n"); s != "{}" && s != "" {
		buf.AppendByte(' ')
		buf.AppendString(s)
	}
	if ent.Caller.Defined {
		buf.AppendByte(' ')
		buf.AppendString(ent.Caller.TrimmedPath())
	}
	if ent.Stack != "" {
		buf.AppendByte('\n')
		buf.AppendString(ent.Stack)
	}
	buf.AppendByte('\n')
	return buf, nil
}

// FormatTime 使用模板编码器的时间格式。
func FormatTime(t time.Time) string {
	return t.Format(templateTimeLayout)
}
