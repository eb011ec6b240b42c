package embeddedmqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newSlogLogger routes the broker's slog output into zap.
func newSlogLogger(logger *zap.Logger) *slog.Logger {
	return slog.New(&zapHandler{logger: logger.With(zap.String("component", "broker"))})
}

type zapHandler struct {
	logger *zap.Logger
	group  string
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func (h *zapHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.Core().Enabled(zapLevel(level))
}

func (h *zapHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make([]zap.Field, 0, record.NumAttrs())
	closed := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "error" && isDisconnect(attr.Value) {
			closed = true
		}
		fields = append(fields, h.field(attr))
		return true
	})

	level := zapLevel(record.Level)
	if closed {
		// clients dropping their socket are routine
		level = zapcore.DebugLevel
	}
	if ce := h.logger.Check(level, record.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (h *zapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make([]zap.Field, 0, len(attrs))
	for _, attr := range attrs {
		fields = append(fields, h.field(attr))
	}
	return &zapHandler{logger: h.logger.With(fields...), group: h.group}
}

func (h *zapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &zapHandler{logger: h.logger, group: group}
}

func (h *zapHandler) field(attr slog.Attr) zap.Field {
	key := attr.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	v := attr.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return zap.String(key, v.String())
	case slog.KindInt64:
		return zap.Int64(key, v.Int64())
	case slog.KindUint64:
		return zap.Uint64(key, v.Uint64())
	case slog.KindFloat64:
		return zap.Float64(key, v.Float64())
	case slog.KindBool:
		return zap.Bool(key, v.Bool())
	case slog.KindDuration:
		return zap.Duration(key, v.Duration())
	case slog.KindTime:
		return zap.Time(key, v.Time())
	default:
		if err, ok := v.Any().(error); ok {
			return zap.NamedError(key, err)
		}
		return zap.Any(key, v.Any())
	}
}

func isDisconnect(v slog.Value) bool {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String() == "EOF" || strings.Contains(v.String(), "read connection: EOF")
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return errors.Is(err, io.EOF) || strings.Contains(err.Error(), "read connection: EOF")
		}
	}
	return false
}
