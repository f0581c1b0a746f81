package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"bracketBot/internal/ports"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements ports.Logger with a zap core.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a zap logger writing to w. format is "json" or "console".
func NewZapLogger(w io.Writer, levelStr, format string) (*ZapLogger, error) {
	var zapLevel zapcore.Level
	switch ParseLevel(levelStr) {
	case LevelDebug:
		zapLevel = zap.DebugLevel
	case LevelWarn:
		zapLevel = zap.WarnLevel
	case LevelError:
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(format) {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zapLevel)
	return &ZapLogger{logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// New returns the logger selected by format: "text" uses StdLogger, "console"
// and "json" use zap.
func New(levelStr, format string) (ports.Logger, error) {
	if strings.EqualFold(format, "text") {
		return NewStdLogger(ParseLevel(levelStr)), nil
	}
	return NewZapLogger(os.Stderr, levelStr, format)
}

func zapFields(fields []map[string]interface{}) []zap.Field {
	merged := mergeFields(fields)
	if len(merged) == 0 {
		return nil
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, merged[k]))
	}
	return out
}

func (l *ZapLogger) Debug(_ context.Context, msg string, fields ...map[string]interface{}) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *ZapLogger) Info(_ context.Context, msg string, fields ...map[string]interface{}) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *ZapLogger) Warn(_ context.Context, msg string, fields ...map[string]interface{}) {
	l.logger.Warn(msg, zapFields(fields)...)
}

func (l *ZapLogger) Error(_ context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
